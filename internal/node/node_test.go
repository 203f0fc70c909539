package node

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/adapter/fake"
	"github.com/radio-control/beaconnode/internal/clock"
	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/messaging/memory"
	"github.com/radio-control/beaconnode/internal/mode"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

var nodeAddr = adapter.Address{0xaa, 0xbb, 0xcc, 0x00, 0x11, 0x22}

const nodeAddrText = "aa:bb:cc:00:11:22"

type testEnv struct {
	broker *memory.Broker
	clock  *clock.Manual

	mu     sync.Mutex
	radios []*fake.FakeRadio
	// radioErrs are returned by successive radio opens before any radio is created.
	radioErrs []error
	setup     func(r *fake.FakeRadio)
}

func newTestEnv() *testEnv {
	return &testEnv{
		broker: memory.NewBroker(),
		clock:  clock.NewManualAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func (e *testEnv) deps() Deps {
	return Deps{
		NewRadio: func(ctx context.Context) (adapter.Radio, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if len(e.radioErrs) > 0 {
				err := e.radioErrs[0]
				e.radioErrs = e.radioErrs[1:]
				return nil, err
			}
			r := fake.NewFakeRadio("test", nodeAddr)
			if e.setup != nil {
				e.setup(r)
			}
			e.radios = append(e.radios, r)
			return r, nil
		},
		NewChannel: func(ctx context.Context, id Identity) (messaging.Channel, error) {
			return e.broker.Connect("node-" + id.Address), nil
		},
		Clock: e.clock,
	}
}

func (e *testEnv) radio(i int) *fake.FakeRadio {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.radios[i]
}

func testConfig() Config {
	return DefaultConfig()
}

func TestBringupAnnouncesThenSubscribes(t *testing.T) {
	env := newTestEnv()

	n, err := Bringup(context.Background(), testConfig(), env.deps(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Bringup failed: %v", err)
	}
	defer n.Close()

	if n.Identity().Address != nodeAddrText {
		t.Errorf("identity = %q, want %q", n.Identity().Address, nodeAddrText)
	}
	want := messaging.Topics{
		Private:   "cc/" + nodeAddrText,
		Broadcast: "cc",
		Telemetry: "rssi/" + nodeAddrText,
		Announce:  "announce",
	}
	if n.Topics() != want {
		t.Errorf("topics = %+v, want %+v", n.Topics(), want)
	}

	announces := env.broker.MessagesOn("announce")
	if len(announces) != 1 {
		t.Fatalf("announces = %d, want 1", len(announces))
	}
	if string(announces[0].Payload) != nodeAddrText || announces[0].QoS != messaging.ExactlyOnce {
		t.Errorf("announce = %+v", announces[0])
	}
	if got := env.clock.Sleeps(); !reflect.DeepEqual(got, []time.Duration{time.Second}) {
		t.Errorf("sleeps = %v, want the 1s announce delay", got)
	}
	if env.broker.Subscribers(want.Private) != 1 || env.broker.Subscribers("cc") != 1 {
		t.Error("expected subscriptions on private and broadcast topics")
	}
	if n.Mode() != mode.Idle {
		t.Errorf("initial mode = %v, want idle", n.Mode())
	}
}

func TestBringupClosesRadioOnChannelFailure(t *testing.T) {
	env := newTestEnv()
	deps := env.deps()
	deps.NewChannel = func(context.Context, Identity) (messaging.Channel, error) {
		return nil, messaging.ErrNotConnected
	}

	_, err := Bringup(context.Background(), testConfig(), deps, zerolog.Nop())
	if !errors.Is(err, messaging.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if env.radio(0).Info().Status != "offline" {
		t.Error("radio should be closed after a failed bring-up")
	}
}

func TestBringupAddressFailureIsFatal(t *testing.T) {
	env := newTestEnv()
	env.setup = func(r *fake.FakeRadio) {
		r.SetErrorSimulation(adapter.OpAddress, "UNAVAILABLE")
	}

	_, err := Bringup(context.Background(), testConfig(), env.deps(), zerolog.Nop())
	if !adapter.IsFatal(err) || !errors.Is(err, adapter.ErrUnavailable) {
		t.Fatalf("err = %v, want fatal UNAVAILABLE", err)
	}
}

func TestAnnounceFailureDoesNotAbortBringup(t *testing.T) {
	env := newTestEnv()
	deps := env.deps()
	var conn *memory.Conn
	deps.NewChannel = func(_ context.Context, id Identity) (messaging.Channel, error) {
		conn = env.broker.Connect("node")
		conn.FailPublishes(errors.New("broker refused"))
		return conn, nil
	}

	n, err := Bringup(context.Background(), testConfig(), deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("Bringup failed: %v", err)
	}
	defer n.Close()
	if env.broker.Subscribers("cc") != 1 {
		t.Error("node should still subscribe after a failed announce")
	}
}

func TestCommandDrivesLoopAndTelemetry(t *testing.T) {
	env := newTestEnv()
	env.setup = func(r *fake.FakeRadio) {
		r.SetPeers(adapter.PeerObservation{Address: adapter.Address{1, 2, 3, 4, 5, 6}, RSSI: -60})
	}
	hub := telemetry.NewHub(telemetry.HubConfig{BufferSize: 32}, zerolog.Nop())
	defer hub.Stop()
	deps := env.deps()
	deps.Hub = hub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := Bringup(ctx, testConfig(), deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("Bringup failed: %v", err)
	}
	defer n.Close()

	operator := env.broker.Connect("operator")
	var acks []string
	if err := operator.Subscribe(ctx, n.Topics().Private, messaging.ExactlyOnce, func(_ context.Context, msg messaging.Message) {
		acks = append(acks, string(msg.Payload))
	}); err != nil {
		t.Fatal(err)
	}

	sleeps := 0
	env.clock.OnSleep(func(time.Duration) {
		sleeps++
		switch sleeps {
		case 2:
			if err := operator.Publish(ctx, "cc", messaging.ExactlyOnce, []byte("2")); err != nil {
				t.Errorf("operator publish: %v", err)
			}
		case 5:
			cancel()
		}
	})

	if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	if !reflect.DeepEqual(acks, []string{"4"}) {
		t.Errorf("acks seen by operator = %v, want [4]", acks)
	}
	if n.Mode() != mode.AntennaRun {
		t.Errorf("mode = %v, want antenna-run", n.Mode())
	}

	rssi := env.broker.MessagesOn("rssi/" + nodeAddrText)
	if len(rssi) == 0 {
		t.Fatal("expected peer telemetry")
	}
	if string(rssi[0].Payload) != "01:02:03:04:05:06,-60" || rssi[0].QoS != messaging.ExactlyOnce {
		t.Errorf("telemetry = %+v", rssi[0])
	}

	var sawPeer, sawMode, sawCommand bool
	for _, ev := range hub.Recent(0) {
		switch ev.Type {
		case telemetry.EventPeer:
			sawPeer = true
		case telemetry.EventMode:
			sawMode = true
		case telemetry.EventCommand:
			sawCommand = true
		}
	}
	if !sawPeer || !sawMode || !sawCommand {
		t.Errorf("hub events peer=%v mode=%v command=%v", sawPeer, sawMode, sawCommand)
	}
}

func TestPrivateAntennaInitCommandFromBoot(t *testing.T) {
	env := newTestEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n, err := Bringup(ctx, testConfig(), env.deps(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Bringup failed: %v", err)
	}
	defer n.Close()

	operator := env.broker.Connect("operator")
	sleeps := 0
	env.clock.OnSleep(func(time.Duration) {
		sleeps++
		switch sleeps {
		case 1:
			if err := operator.Publish(ctx, n.Topics().Private, messaging.ExactlyOnce, []byte("1")); err != nil {
				t.Errorf("operator publish: %v", err)
			}
		case 2:
			cancel()
		}
	})

	if err := n.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	want := []string{
		adapter.OpAddress,
		adapter.OpConfigureScan,
		adapter.OpConfigureAdvertising,
		adapter.OpStartAdvertising,
		adapter.OpStartScan,
	}
	if got := env.radio(0).Ops(); !reflect.DeepEqual(got, want) {
		t.Errorf("radio ops = %v, want %v", got, want)
	}
	if n.Mode() != mode.AntennaInit || !env.radio(0).Advertising() {
		t.Errorf("mode = %v advertising = %v, want antenna-init while advertising", n.Mode(), env.radio(0).Advertising())
	}
}

func TestCloseDropsSubscriptionsAndRadio(t *testing.T) {
	env := newTestEnv()
	n, err := Bringup(context.Background(), testConfig(), env.deps(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if env.broker.Subscribers("cc") != 0 {
		t.Error("subscriptions should be dropped")
	}
	if env.radio(0).Info().Status != "offline" {
		t.Error("radio should be closed")
	}
}

type recordingAudit struct {
	mu       sync.Mutex
	node     string
	commands int
	changes  int
}

func (a *recordingAudit) SetNode(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.node = address
}

func (a *recordingAudit) LogCommand(context.Context, string, string, map[string]interface{}, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands++
}

func (a *recordingAudit) LogTransition(context.Context, mode.Mode, mode.Mode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changes++
}

func TestAuditIsBoundToIdentity(t *testing.T) {
	env := newTestEnv()
	audit := &recordingAudit{}
	deps := env.deps()
	deps.Audit = audit

	ctx := context.Background()
	n, err := Bringup(ctx, testConfig(), deps, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	operator := env.broker.Connect("operator")
	if err := operator.Publish(ctx, n.Topics().Private, messaging.ExactlyOnce, []byte("0")); err != nil {
		t.Fatal(err)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if audit.node != nodeAddrText {
		t.Errorf("audit node = %q", audit.node)
	}
	// The set-mode command and the node's own ack coming back on the private topic.
	if audit.commands != 2 {
		t.Errorf("audited commands = %d, want 2", audit.commands)
	}
}
