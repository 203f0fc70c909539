// Package messaging defines the publish/subscribe channel the node talks to operators
// through, and the topic layout derived from the node's radio address.
package messaging

import (
	"context"
	"errors"
)

// QoS is the MQTT delivery guarantee level.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Topic names.
const (
	BroadcastTopic = "cc"
	AnnounceTopic  = "announce"
	privatePrefix  = "cc/"
	rssiPrefix     = "rssi/"
)

var (
	// ErrNotConnected is returned by Publish and Subscribe before the channel is up.
	ErrNotConnected = errors.New("messaging channel not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messaging channel closed")
	// ErrPublishTimeout is returned when the broker does not complete a publish in time.
	ErrPublishTimeout = errors.New("publish timed out")
)

// Message is one inbound message.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes inbound messages. Channels invoke handlers serially, one message at
// a time, never on the transport's network goroutine.
type Handler func(ctx context.Context, msg Message)

// Channel is the pub/sub contract.
type Channel interface {
	Publish(ctx context.Context, topic string, qos QoS, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos QoS, handler Handler) error
	Close() error
}

// Topics is the topic set of one node.
type Topics struct {
	Private   string // cc/<addr>: commands to and acks from this node
	Broadcast string // cc: commands to every node
	Telemetry string // rssi/<addr>: peer observations
	Announce  string // announce: presence
}

// TopicsFor derives the topic set from the node's lowercase colon-hex address.
func TopicsFor(address string) Topics {
	return Topics{
		Private:   privatePrefix + address,
		Broadcast: BroadcastTopic,
		Telemetry: rssiPrefix + address,
		Announce:  AnnounceTopic,
	}
}

// IsCommandTopic reports whether topic is one the node accepts commands on.
func (t Topics) IsCommandTopic(topic string) bool {
	return topic == t.Private || topic == t.Broadcast
}
