package node

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/clock"
	"github.com/radio-control/beaconnode/internal/command"
	"github.com/radio-control/beaconnode/internal/controller"
	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/mode"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

// Identity is the node's own radio address, lowercase colon-hex.
type Identity struct {
	Address string `json:"address"`
}

// Config is the per-incarnation behaviour of a node.
type Config struct {
	Timing        controller.Timing
	AnnounceDelay time.Duration
	Strict        bool
	StackID       string
}

// DefaultConfig returns the timing the deployed nodes use with permissive command parsing.
func DefaultConfig() Config {
	return Config{
		Timing:        controller.DefaultTiming(),
		AnnounceDelay: time.Second,
		StackID:       "generic",
	}
}

// RadioFactory opens the radio for a new incarnation.
type RadioFactory func(ctx context.Context) (adapter.Radio, error)

// ChannelFactory opens a connected messaging channel for the node with the given identity.
type ChannelFactory func(ctx context.Context, id Identity) (messaging.Channel, error)

// AuditLogger records commands and transitions and is told the node's identity.
type AuditLogger interface {
	command.AuditLogger
	controller.TransitionAuditor
	SetNode(address string)
}

// Deps are the collaborators shared by every incarnation. Audit and Hub may be nil.
type Deps struct {
	NewRadio   RadioFactory
	NewChannel ChannelFactory
	Clock      clock.Clock
	Audit      AuditLogger
	Hub        *telemetry.Hub
}

// Node is one running incarnation.
type Node struct {
	identity Identity
	topics   messaging.Topics
	radio    adapter.Radio
	channel  messaging.Channel
	state    *mode.State
	handler  *command.Handler
	ctrl     *controller.Controller
	logger   zerolog.Logger
}

// Bringup opens the radio, reads the node identity, connects the channel, announces the
// node and subscribes to its command topics. ctx bounds the node's lifetime: it is the
// context telemetry publishes run under. On error everything opened so far is closed.
func Bringup(ctx context.Context, cfg Config, deps Deps, logger zerolog.Logger) (n *Node, err error) {
	radio, err := deps.NewRadio(ctx)
	if err != nil {
		return nil, fmt.Errorf("open radio: %w", err)
	}
	defer func() {
		if err != nil {
			_ = radio.Close()
		}
	}()

	addr, err := radio.Address(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, adapter.FatalWithStack(adapter.OpAddress, err, cfg.StackID)
	}
	identity := Identity{Address: addr.String()}
	topics := messaging.TopicsFor(identity.Address)
	logger = logger.With().Str("node", identity.Address).Logger()

	channel, err := deps.NewChannel(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("connect messaging: %w", err)
	}
	defer func() {
		if err != nil {
			_ = channel.Close()
		}
	}()

	n = &Node{
		identity: identity,
		topics:   topics,
		radio:    radio,
		channel:  channel,
		state:    mode.NewState(),
		logger:   logger,
	}

	reporter := telemetry.NewReporter(ctx, channel, topics.Telemetry, deps.Hub, logger)
	radio.SetDiscoveryHandler(reporter.Report)

	n.handler = command.NewHandler(n.state, channel, topics, command.Options{Strict: cfg.Strict}, logger)
	n.ctrl = controller.New(radio, n.state, deps.Clock, controller.Options{
		Timing:  cfg.Timing,
		StackID: cfg.StackID,
	}, logger)
	if deps.Audit != nil {
		deps.Audit.SetNode(identity.Address)
		n.handler.SetAuditLogger(deps.Audit)
		n.ctrl.SetAuditLogger(deps.Audit)
	}
	if deps.Hub != nil {
		n.handler.SetEventPublisher(deps.Hub)
		n.ctrl.SetEventPublisher(deps.Hub)
	}

	if err := deps.Clock.Sleep(ctx, cfg.AnnounceDelay); err != nil {
		return nil, err
	}
	if err := channel.Publish(ctx, topics.Announce, messaging.ExactlyOnce, []byte(identity.Address)); err != nil {
		logger.Warn().Err(err).Str("topic", topics.Announce).Msg("Failed to publish announce")
	}

	for _, topic := range []string{topics.Private, topics.Broadcast} {
		if err := channel.Subscribe(ctx, topic, messaging.ExactlyOnce, n.handler.HandleMessage); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	logger.Info().
		Str("private", topics.Private).
		Str("telemetry", topics.Telemetry).
		Msg("Node is up")
	return n, nil
}

// Run runs the mode controller until ctx is done or the radio fails.
func (n *Node) Run(ctx context.Context) error {
	return n.ctrl.Run(ctx)
}

// Close tears the incarnation down: the channel first so no command arrives on a closed
// radio, then the radio.
func (n *Node) Close() error {
	chErr := n.channel.Close()
	radioErr := n.radio.Close()
	if chErr != nil {
		return fmt.Errorf("close messaging: %w", chErr)
	}
	if radioErr != nil {
		return fmt.Errorf("close radio: %w", radioErr)
	}
	return nil
}

// Identity returns the node identity.
func (n *Node) Identity() Identity {
	return n.identity
}

// Topics returns the node's topic set.
func (n *Node) Topics() messaging.Topics {
	return n.topics
}

// Radio describes the radio, when the backend reports it.
func (n *Node) Radio() adapter.Info {
	if d, ok := n.radio.(adapter.Describer); ok {
		return d.Info()
	}
	return adapter.Info{}
}

// Mode returns the commanded mode.
func (n *Node) Mode() mode.Mode {
	return n.state.Load()
}

// Snapshot returns the controller's view of the loop.
func (n *Node) Snapshot() controller.Snapshot {
	return n.ctrl.Snapshot()
}
