// Package memory provides an in-process pub/sub broker implementing messaging.Channel.
//
// Delivery is synchronous: Publish invokes matching subscribers on the publisher's
// goroutine, one at a time, after releasing the broker lock. Topic matching is exact.
package memory

import (
	"context"
	"sync"

	"github.com/radio-control/beaconnode/internal/messaging"
)

// Published is one recorded publish.
type Published struct {
	ClientID string
	Topic    string
	QoS      messaging.QoS
	Payload  []byte
}

// Broker routes messages between connected clients.
type Broker struct {
	mu   sync.Mutex
	subs map[string][]subscription
	log  []Published
}

type subscription struct {
	conn    *Conn
	qos     messaging.QoS
	handler messaging.Handler
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string][]subscription)}
}

// Connect returns a channel bound to the broker.
func (b *Broker) Connect(clientID string) *Conn {
	return &Conn{broker: b, clientID: clientID}
}

// Messages returns a copy of every publish seen by the broker.
func (b *Broker) Messages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.log...)
}

// MessagesOn returns the publishes on topic.
func (b *Broker) MessagesOn(topic string) []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Published
	for _, p := range b.log {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Reset clears the publish log.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = nil
}

func (b *Broker) publish(ctx context.Context, p Published) {
	b.mu.Lock()
	b.log = append(b.log, p)
	targets := append([]subscription(nil), b.subs[p.Topic]...)
	b.mu.Unlock()

	msg := messaging.Message{Topic: p.Topic, Payload: append([]byte(nil), p.Payload...)}
	for _, s := range targets {
		if s.conn.isClosed() {
			continue
		}
		s.handler(ctx, msg)
	}
}

func (b *Broker) subscribe(c *Conn, topic string, qos messaging.QoS, h messaging.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], subscription{conn: c, qos: qos, handler: h})
}

func (b *Broker) drop(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, list := range b.subs {
		kept := list[:0]
		for _, s := range list {
			if s.conn != c {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = kept
		}
	}
}

// Conn is one client connection to the broker.
type Conn struct {
	broker   *Broker
	clientID string

	mu         sync.Mutex
	closed     bool
	publishErr error
}

// Publish records the message and delivers it to every subscriber of topic.
func (c *Conn) Publish(ctx context.Context, topic string, qos messaging.QoS, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed, failErr := c.closed, c.publishErr
	c.mu.Unlock()
	if closed {
		return messaging.ErrClosed
	}
	if failErr != nil {
		return failErr
	}

	c.broker.publish(ctx, Published{
		ClientID: c.clientID,
		Topic:    topic,
		QoS:      qos,
		Payload:  append([]byte(nil), payload...),
	})
	return nil
}

// Subscribe registers handler for topic.
func (c *Conn) Subscribe(ctx context.Context, topic string, qos messaging.QoS, handler messaging.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return messaging.ErrClosed
	}
	c.broker.subscribe(c, topic, qos, handler)
	return nil
}

// Close removes the connection's subscriptions.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.broker.drop(c)
	return nil
}

// FailPublishes makes later publishes fail with err. A nil err restores normal delivery.
func (c *Conn) FailPublishes(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
