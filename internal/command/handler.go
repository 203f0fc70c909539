package command

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/audit"
	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/metrics"
	"github.com/radio-control/beaconnode/internal/mode"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

// Outcome is what the handler did with one message.
type Outcome string

const (
	// OutcomeIgnored: the topic is not one of the node's command topics.
	OutcomeIgnored Outcome = "IGNORED"
	// OutcomeDropped: the payload was the Ack sentinel.
	OutcomeDropped Outcome = audit.OutcomeDropped
	// OutcomeAcked: a ping was acknowledged.
	OutcomeAcked Outcome = audit.OutcomeAcked
	// OutcomeApplied: a mode was stored and acknowledged.
	OutcomeApplied Outcome = audit.OutcomeApplied
	// OutcomeRejected: strict decoding refused the payload. No state change, no ack.
	OutcomeRejected Outcome = audit.OutcomeRejected
)

// Options configures the handler.
type Options struct {
	// Strict rejects malformed payloads and undefined modes instead of decoding them
	// permissively.
	Strict bool
}

// Handler is the command protocol handler.
type Handler struct {
	state     *mode.State
	publisher Publisher
	topics    messaging.Topics
	opts      Options
	logger    zerolog.Logger

	auditLogger AuditLogger
	events      EventPublisher
}

// NewHandler creates a handler writing to state and acknowledging through publisher.
func NewHandler(state *mode.State, publisher Publisher, topics messaging.Topics, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		state:     state,
		publisher: publisher,
		topics:    topics,
		opts:      opts,
		logger:    logger.With().Str("component", "command").Logger(),
	}
}

// SetAuditLogger sets the audit logger.
func (h *Handler) SetAuditLogger(logger AuditLogger) {
	h.auditLogger = logger
}

// SetEventPublisher sets the local event sink.
func (h *Handler) SetEventPublisher(events EventPublisher) {
	h.events = events
}

// HandleMessage adapts Handle to messaging.Handler.
func (h *Handler) HandleMessage(ctx context.Context, msg messaging.Message) {
	h.Handle(ctx, msg.Topic, msg.Payload)
}

// Handle processes one inbound message.
//
// For a SetMode command the mode is stored before the acknowledgement is published, so
// an acknowledgement always confirms a write the control loop can already observe.
// Publish failures are logged and counted; the command still counts as handled.
func (h *Handler) Handle(ctx context.Context, topic string, payload []byte) Outcome {
	if !h.topics.IsCommandTopic(topic) {
		h.logger.Debug().Str("topic", topic).Msg("Ignoring message on foreign topic")
		return OutcomeIgnored
	}
	h.logger.Info().Str("topic", topic).Bytes("payload", payload).Msg("Command received")

	cmd, err := mode.ParseCommand(payload, h.opts.Strict)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("Rejecting command")
		h.record(ctx, topic, "set_mode", map[string]interface{}{"raw": string(payload)}, OutcomeRejected, err)
		return OutcomeRejected
	}

	params := map[string]interface{}{"raw": cmd.Raw}
	switch cmd.Kind {
	case mode.KindAck:
		h.record(ctx, topic, cmd.Kind.String(), params, OutcomeDropped, nil)
		return OutcomeDropped

	case mode.KindSetMode:
		h.state.Store(cmd.Mode)
		params["mode"] = cmd.Mode.String()
		h.logger.Info().Stringer("mode", cmd.Mode).Msg("Mode requested")
	}

	err = h.publisher.Publish(ctx, h.topics.Private, messaging.ExactlyOnce, mode.AckPayload)
	metrics.RecordAck(err == nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", h.topics.Private).Msg("Failed to publish ack")
		params["ack_error"] = err.Error()
	}

	outcome := OutcomeAcked
	if cmd.Kind == mode.KindSetMode {
		outcome = OutcomeApplied
	}
	h.record(ctx, topic, cmd.Kind.String(), params, outcome, nil)
	return outcome
}

// record writes the audit entry, counts the command and emits a local event.
func (h *Handler) record(ctx context.Context, topic, action string, params map[string]interface{}, outcome Outcome, err error) {
	metrics.RecordCommand(action, string(outcome))

	if h.auditLogger != nil {
		h.auditLogger.LogCommand(ctx, topic, action, params, string(outcome), err)
	}

	if h.events != nil {
		data := map[string]interface{}{
			"topic":   topic,
			"action":  action,
			"outcome": string(outcome),
		}
		for k, v := range params {
			data[k] = v
		}
		if err != nil {
			data["error"] = err.Error()
		}
		_ = h.events.Publish(telemetry.Event{Type: telemetry.EventCommand, Data: data})
	}
}
