package command

import (
	"context"

	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

// Publisher is the part of the messaging channel the handler needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos messaging.QoS, payload []byte) error
}

// AuditLogger records handled commands.
type AuditLogger interface {
	LogCommand(ctx context.Context, topic, action string, params map[string]interface{}, outcome string, err error)
}

// EventPublisher receives node events for local observers.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}
