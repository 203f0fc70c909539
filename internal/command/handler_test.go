package command

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/messaging/memory"
	"github.com/radio-control/beaconnode/internal/mode"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

const nodeAddr = "aa:bb:cc:dd:ee:ff"

// recordingPublisher captures publishes and the mode visible at publish time.
type recordingPublisher struct {
	mu        sync.Mutex
	state     *mode.State
	err       error
	publishes []publishRecord
}

type publishRecord struct {
	topic      string
	qos        messaging.QoS
	payload    string
	modeAtSend mode.Mode
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, qos messaging.QoS, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishes = append(p.publishes, publishRecord{
		topic:      topic,
		qos:        qos,
		payload:    string(payload),
		modeAtSend: p.state.Load(),
	})
	return p.err
}

type auditRecord struct {
	topic, action, outcome string
	err                    error
}

type fakeAudit struct {
	records []auditRecord
}

func (a *fakeAudit) LogCommand(_ context.Context, topic, action string, _ map[string]interface{}, outcome string, err error) {
	a.records = append(a.records, auditRecord{topic: topic, action: action, outcome: outcome, err: err})
}

type fakeEvents struct {
	events []telemetry.Event
}

func (e *fakeEvents) Publish(event telemetry.Event) error {
	e.events = append(e.events, event)
	return nil
}

func newTestHandler(strict bool) (*Handler, *mode.State, *recordingPublisher) {
	state := mode.NewState()
	pub := &recordingPublisher{state: state}
	h := NewHandler(state, pub, messaging.TopicsFor(nodeAddr), Options{Strict: strict}, zerolog.Nop())
	return h, state, pub
}

func TestHandlePermissive(t *testing.T) {
	private := "cc/" + nodeAddr
	tests := []struct {
		name        string
		topic       string
		payload     string
		wantOutcome Outcome
		wantMode    mode.Mode
		wantAck     bool
	}{
		{"set car", private, "0", OutcomeApplied, mode.Car, true},
		{"set antenna init", private, "1", OutcomeApplied, mode.AntennaInit, true},
		{"set antenna run", private, "2", OutcomeApplied, mode.AntennaRun, true},
		{"set idle", private, "3", OutcomeApplied, mode.Idle, true},
		{"ack sentinel dropped", private, "4", OutcomeDropped, mode.Idle, false},
		{"ping acknowledged", private, "5", OutcomeAcked, mode.Idle, true},
		{"malformed decodes to car", private, "xyz", OutcomeApplied, mode.Car, true},
		{"empty decodes to car", private, "", OutcomeApplied, mode.Car, true},
		{"leading digits", private, "2abc", OutcomeApplied, mode.AntennaRun, true},
		{"undefined mode stored", private, "9", OutcomeApplied, mode.Mode(9), true},
		{"broadcast topic", "cc", "0", OutcomeApplied, mode.Car, true},
		{"broadcast ping", "cc", "5", OutcomeAcked, mode.Idle, true},
		{"foreign node topic", "cc/11:22:33:44:55:66", "0", OutcomeIgnored, mode.Idle, false},
		{"telemetry topic", "rssi/" + nodeAddr, "0", OutcomeIgnored, mode.Idle, false},
		{"prefix lookalike", "ccx", "0", OutcomeIgnored, mode.Idle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, state, pub := newTestHandler(false)

			got := h.Handle(context.Background(), tt.topic, []byte(tt.payload))
			if got != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", got, tt.wantOutcome)
			}
			if state.Load() != tt.wantMode {
				t.Errorf("mode = %v, want %v", state.Load(), tt.wantMode)
			}

			if !tt.wantAck {
				if len(pub.publishes) != 0 {
					t.Errorf("unexpected publishes %+v", pub.publishes)
				}
				return
			}
			if len(pub.publishes) != 1 {
				t.Fatalf("publishes = %d, want 1", len(pub.publishes))
			}
			ack := pub.publishes[0]
			if ack.topic != private || ack.payload != "4" || ack.qos != messaging.ExactlyOnce {
				t.Errorf("ack = %+v, want \"4\" on %s at QoS 2", ack, private)
			}
		})
	}
}

func TestHandleStrict(t *testing.T) {
	private := "cc/" + nodeAddr
	tests := []struct {
		name        string
		payload     string
		wantOutcome Outcome
		wantMode    mode.Mode
		wantAck     bool
	}{
		{"valid mode", "2", OutcomeApplied, mode.AntennaRun, true},
		{"surrounding whitespace", " 0\n", OutcomeApplied, mode.Car, true},
		{"ping", "5", OutcomeAcked, mode.Idle, true},
		{"ack", "4", OutcomeDropped, mode.Idle, false},
		{"malformed rejected", "xyz", OutcomeRejected, mode.Idle, false},
		{"trailing garbage rejected", "2abc", OutcomeRejected, mode.Idle, false},
		{"empty rejected", "", OutcomeRejected, mode.Idle, false},
		{"undefined mode rejected", "9", OutcomeRejected, mode.Idle, false},
		{"negative rejected", "-1", OutcomeRejected, mode.Idle, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, state, pub := newTestHandler(true)

			got := h.Handle(context.Background(), private, []byte(tt.payload))
			if got != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", got, tt.wantOutcome)
			}
			if state.Load() != tt.wantMode {
				t.Errorf("mode = %v, want %v", state.Load(), tt.wantMode)
			}
			if (len(pub.publishes) == 1) != tt.wantAck {
				t.Errorf("publishes = %+v, wantAck %v", pub.publishes, tt.wantAck)
			}
		})
	}
}

func TestAckFollowsStateWrite(t *testing.T) {
	h, _, pub := newTestHandler(false)

	for _, payload := range []string{"0", "1", "2", "3"} {
		h.Handle(context.Background(), "cc/"+nodeAddr, []byte(payload))
	}

	want := []mode.Mode{mode.Car, mode.AntennaInit, mode.AntennaRun, mode.Idle}
	if len(pub.publishes) != len(want) {
		t.Fatalf("publishes = %d, want %d", len(pub.publishes), len(want))
	}
	for i, p := range pub.publishes {
		if p.modeAtSend != want[i] {
			t.Errorf("ack %d sent while mode was %v, want %v", i, p.modeAtSend, want[i])
		}
	}
}

func TestPublishFailureStillApplies(t *testing.T) {
	h, state, pub := newTestHandler(false)
	pub.err = errors.New("broker unreachable")
	auditLog := &fakeAudit{}
	h.SetAuditLogger(auditLog)

	got := h.Handle(context.Background(), "cc/"+nodeAddr, []byte("2"))
	if got != OutcomeApplied {
		t.Errorf("outcome = %s, want APPLIED", got)
	}
	if state.Load() != mode.AntennaRun {
		t.Errorf("mode = %v, want antenna-run", state.Load())
	}
	if len(auditLog.records) != 1 || auditLog.records[0].outcome != string(OutcomeApplied) {
		t.Errorf("audit = %+v", auditLog.records)
	}
}

func TestAuditAndEvents(t *testing.T) {
	h, _, _ := newTestHandler(true)
	auditLog := &fakeAudit{}
	events := &fakeEvents{}
	h.SetAuditLogger(auditLog)
	h.SetEventPublisher(events)

	ctx := context.Background()
	h.Handle(ctx, "cc", []byte("1"))
	h.Handle(ctx, "cc", []byte("4"))
	h.Handle(ctx, "cc", []byte("5"))
	h.Handle(ctx, "cc", []byte("nope"))
	h.Handle(ctx, "elsewhere", []byte("1"))

	want := []auditRecord{
		{topic: "cc", action: "set_mode", outcome: "APPLIED"},
		{topic: "cc", action: "ack", outcome: "DROPPED"},
		{topic: "cc", action: "ping", outcome: "ACKED"},
		{topic: "cc", action: "set_mode", outcome: "REJECTED"},
	}
	if len(auditLog.records) != len(want) {
		t.Fatalf("audit records = %+v", auditLog.records)
	}
	for i, r := range auditLog.records {
		if r.topic != want[i].topic || r.action != want[i].action || r.outcome != want[i].outcome {
			t.Errorf("record %d = %+v, want %+v", i, r, want[i])
		}
	}
	if !errors.Is(auditLog.records[3].err, mode.ErrMalformedCommand) {
		t.Errorf("rejected record error = %v", auditLog.records[3].err)
	}

	if len(events.events) != 4 {
		t.Fatalf("events = %d, want 4", len(events.events))
	}
	first := events.events[0]
	if first.Type != telemetry.EventCommand || first.Data["mode"] != "antenna-init" || first.Data["outcome"] != "APPLIED" {
		t.Errorf("first event = %+v", first)
	}
}

// The node subscribes to its own private topic, so its acknowledgement comes back to it.
func TestOwnAckDoesNotLoop(t *testing.T) {
	broker := memory.NewBroker()
	nodeConn := broker.Connect("node")
	operator := broker.Connect("operator")
	state := mode.NewState()
	topics := messaging.TopicsFor(nodeAddr)
	h := NewHandler(state, nodeConn, topics, Options{}, zerolog.Nop())
	ctx := context.Background()

	if err := nodeConn.Subscribe(ctx, topics.Private, messaging.ExactlyOnce, h.HandleMessage); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := nodeConn.Subscribe(ctx, topics.Broadcast, messaging.ExactlyOnce, h.HandleMessage); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := operator.Publish(ctx, topics.Private, messaging.ExactlyOnce, []byte("0")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := broker.MessagesOn(topics.Private)
	if len(msgs) != 2 {
		t.Fatalf("private topic saw %d messages, want command + one ack", len(msgs))
	}
	if string(msgs[1].Payload) != "4" || msgs[1].ClientID != "node" {
		t.Errorf("second message = %+v, want the node's ack", msgs[1])
	}
	if state.Load() != mode.Car {
		t.Errorf("mode = %v, want car", state.Load())
	}

	// Broadcast commands are acknowledged on the private topic.
	broker.Reset()
	if err := operator.Publish(ctx, topics.Broadcast, messaging.ExactlyOnce, []byte("5")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if acks := broker.MessagesOn(topics.Private); len(acks) != 1 || string(acks[0].Payload) != "4" {
		t.Errorf("broadcast ping acks = %+v", acks)
	}
}

func TestConcurrentHandleAndLoad(t *testing.T) {
	h, state, _ := newTestHandler(false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			h.Handle(context.Background(), "cc", []byte{byte('0' + i%4)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if m := state.Load(); !mode.Valid(m) {
				t.Errorf("observed invalid mode %v", m)
				return
			}
		}
	}()
	wg.Wait()
}
