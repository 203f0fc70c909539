package telemetry

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/metrics"
)

// Publisher is the part of the messaging channel the reporter needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos messaging.QoS, payload []byte) error
}

// Reporter publishes peer observations on the node's telemetry topic.
type Reporter struct {
	ctx       context.Context
	publisher Publisher
	topic     string
	hub       *Hub
	logger    zerolog.Logger
}

// NewReporter creates a reporter publishing on topic. ctx bounds every publish; it is the
// node's lifetime context because discovery callbacks carry none. hub may be nil.
func NewReporter(ctx context.Context, publisher Publisher, topic string, hub *Hub, logger zerolog.Logger) *Reporter {
	return &Reporter{
		ctx:       ctx,
		publisher: publisher,
		topic:     topic,
		hub:       hub,
		logger:    logger.With().Str("component", "telemetry").Logger(),
	}
}

// Report publishes one observation. It is safe to call from the radio's scan goroutine.
// Publish failures are logged and counted; they never reach the radio.
func (r *Reporter) Report(obs adapter.PeerObservation) {
	addr := obs.Address.String()
	r.logger.Debug().Str("peer", addr).Int("rssi", obs.RSSI).Msg("Device found")

	err := r.publisher.Publish(r.ctx, r.topic, messaging.ExactlyOnce, FormatPayload(obs))
	metrics.RecordPeerObservation(err == nil)
	if err != nil {
		r.logger.Warn().Err(err).Str("peer", addr).Msg("Failed to publish peer observation")
	}

	if r.hub != nil {
		_ = r.hub.Publish(Event{
			Type: EventPeer,
			Data: map[string]interface{}{
				"address":   addr,
				"rssi":      obs.RSSI,
				"published": err == nil,
			},
		})
	}
}

// FormatPayload renders an observation as "<aa:bb:cc:dd:ee:ff>,<rssi>".
func FormatPayload(obs adapter.PeerObservation) []byte {
	buf := make([]byte, 0, 24)
	buf = append(buf, obs.Address.String()...)
	buf = append(buf, ',')
	return strconv.AppendInt(buf, int64(obs.RSSI), 10)
}
