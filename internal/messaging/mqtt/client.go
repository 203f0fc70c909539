// Package mqtt implements messaging.Channel on an MQTT broker using the Eclipse Paho client.
//
// Inbound messages are copied off Paho's router goroutine into a bounded inbox and
// handled by a single dispatcher goroutine, so handlers run serially and may publish
// without stalling the network loop. When the inbox is full the message is dropped and
// counted. Subscriptions are remembered and restored after every reconnect.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/metrics"
)

// Config configures the MQTT channel.
type Config struct {
	BrokerURL            string // e.g. tcp://broker:1883
	ClientID             string
	Username             string
	Password             string
	KeepAlive            time.Duration
	ConnectRetryInterval time.Duration
	PublishTimeout       time.Duration
	InboxSize            int
}

// Defaults for zero-valued Config fields.
const (
	DefaultKeepAlive            = 30 * time.Second
	DefaultConnectRetryInterval = 5 * time.Second
	DefaultPublishTimeout       = 5 * time.Second
	DefaultInboxSize            = 64
	disconnectQuiesceMillis     = 250
)

type subscription struct {
	qos     messaging.QoS
	handler messaging.Handler
}

type delivery struct {
	msg     messaging.Message
	handler messaging.Handler
}

// Client is an MQTT-backed messaging.Channel.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	client paho.Client

	inbox   chan delivery
	dropped atomic.Uint64

	mu     sync.Mutex
	subs   map[string]subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client for cfg. No network activity happens until Connect.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg = withDefaults(cfg)
	c := newClient(cfg, logger)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.ConnectRetryInterval)
	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = c.onConnectionLost
	opts.OnReconnecting = func(paho.Client, *paho.ClientOptions) {
		c.logger.Warn().Msg("Reconnecting to MQTT broker")
	}

	c.client = paho.NewClient(opts)
	return c
}

func newClient(cfg Config, logger zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "mqtt").Str("broker", cfg.BrokerURL).Str("client_id", cfg.ClientID).Logger(),
		inbox:  make(chan delivery, cfg.InboxSize),
		subs:   make(map[string]subscription),
		ctx:    ctx,
		cancel: cancel,
	}
	c.wg.Add(1)
	go c.dispatch()
	return c
}

func withDefaults(cfg Config) Config {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = DefaultConnectRetryInterval
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	return cfg
}

// Connect blocks until the broker accepts the connection or ctx is done. Paho keeps
// retrying in the background at the configured interval.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return messaging.ErrClosed
	}
	c.logger.Info().Msg("Connecting to MQTT broker")
	if err := waitToken(ctx, c.client.Connect(), 0); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.BrokerURL, err)
	}
	return nil
}

// Publish sends payload and waits for the broker to complete the QoS handshake.
func (c *Client) Publish(ctx context.Context, topic string, qos messaging.QoS, payload []byte) error {
	if c.isClosed() {
		return messaging.ErrClosed
	}
	if !c.client.IsConnected() {
		return messaging.ErrNotConnected
	}
	tok := c.client.Publish(topic, byte(qos), false, payload)
	if err := waitToken(ctx, tok, c.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic and subscribes on the broker.
func (c *Client) Subscribe(ctx context.Context, topic string, qos messaging.QoS, handler messaging.Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return messaging.ErrClosed
	}
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.client.IsConnected() {
		return messaging.ErrNotConnected
	}
	tok := c.client.Subscribe(topic, byte(qos), c.route(handler))
	if err := waitToken(ctx, tok, c.cfg.PublishTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Info().Str("topic", topic).Int("qos", int(qos)).Msg("Subscribed")
	return nil
}

// Close disconnects and stops the dispatcher. Messages still in the inbox are discarded.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.client != nil && c.client.IsConnectionOpen() {
		c.client.Disconnect(disconnectQuiesceMillis)
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

// Dropped returns the number of inbound messages dropped on a full inbox.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// route returns the Paho callback for handler. It never blocks.
func (c *Client) route(handler messaging.Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		d := delivery{
			msg: messaging.Message{
				Topic:   m.Topic(),
				Payload: append([]byte(nil), m.Payload()...),
			},
			handler: handler,
		}
		select {
		case c.inbox <- d:
		default:
			c.dropped.Add(1)
			metrics.RecordInboxDrop()
			c.logger.Warn().Str("topic", d.msg.Topic).Int("inbox_size", cap(c.inbox)).Msg("Inbox full, dropping message")
		}
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case d := <-c.inbox:
			d.handler(c.ctx, d.msg)
		}
	}
}

func (c *Client) onConnect(client paho.Client) {
	c.logger.Info().Msg("Connected to MQTT broker")

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	// Clean sessions lose subscriptions on reconnect.
	for topic, s := range subs {
		tok := client.Subscribe(topic, byte(s.qos), c.route(s.handler))
		go func(topic string, tok paho.Token) {
			if err := waitToken(c.ctx, tok, c.cfg.PublishTimeout); err != nil {
				c.logger.Error().Err(err).Str("topic", topic).Msg("Resubscribe failed")
			}
		}(topic, tok)
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn().Err(err).Msg("Connection to MQTT broker lost")
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitToken waits for tok, ctx or, when timeout is positive, the timeout.
func waitToken(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		return messaging.ErrPublishTimeout
	}
}

var _ messaging.Channel = (*Client)(nil)
