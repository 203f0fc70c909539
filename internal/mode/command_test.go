package mode

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func TestParseCommandPermissive(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind Kind
		wantMode Mode
	}{
		{name: "car", payload: "0", wantKind: KindSetMode, wantMode: Car},
		{name: "antenna init", payload: "1", wantKind: KindSetMode, wantMode: AntennaInit},
		{name: "antenna run", payload: "2", wantKind: KindSetMode, wantMode: AntennaRun},
		{name: "idle", payload: "3", wantKind: KindSetMode, wantMode: Idle},
		{name: "ack sentinel", payload: "4", wantKind: KindAck},
		{name: "ping sentinel", payload: "5", wantKind: KindPing},
		{name: "non numeric falls back to car", payload: "xyz", wantKind: KindSetMode, wantMode: Car},
		{name: "empty falls back to car", payload: "", wantKind: KindSetMode, wantMode: Car},
		{name: "leading whitespace", payload: "  \t2", wantKind: KindSetMode, wantMode: AntennaRun},
		{name: "trailing garbage", payload: "1abc", wantKind: KindSetMode, wantMode: AntennaInit},
		{name: "explicit plus sign", payload: "+3", wantKind: KindSetMode, wantMode: Idle},
		{name: "out of set value kept", payload: "7", wantKind: KindSetMode, wantMode: Mode(7)},
		{name: "negative value kept", payload: "-1", wantKind: KindSetMode, wantMode: Mode(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.payload), false)
			if err != nil {
				t.Fatalf("ParseCommand(%q) returned error: %v", tt.payload, err)
			}
			if cmd.Kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", cmd.Kind, tt.wantKind)
			}
			if cmd.Kind == KindSetMode && cmd.Mode != tt.wantMode {
				t.Errorf("mode = %v, want %v", cmd.Mode, tt.wantMode)
			}
		})
	}
}

func TestParseCommandPermissiveClampsOverflow(t *testing.T) {
	cmd, err := ParseCommand([]byte("99999999999999"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Raw != math.MaxInt32 {
		t.Errorf("raw = %d, want %d", cmd.Raw, int32(math.MaxInt32))
	}

	cmd, _ = ParseCommand([]byte("-99999999999999"), false)
	if cmd.Raw != math.MinInt32 {
		t.Errorf("raw = %d, want %d", cmd.Raw, int32(math.MinInt32))
	}
}

func TestParseCommandStrict(t *testing.T) {
	tests := []struct {
		payload string
		wantErr error
		want    Command
	}{
		{payload: "0", want: Command{Kind: KindSetMode, Mode: Car}},
		{payload: " 2\n", want: Command{Kind: KindSetMode, Mode: AntennaRun, Raw: 2}},
		{payload: "4", want: Command{Kind: KindAck, Raw: 4}},
		{payload: "5", want: Command{Kind: KindPing, Raw: 5}},
		{payload: "xyz", wantErr: ErrMalformedCommand},
		{payload: "1abc", wantErr: ErrMalformedCommand},
		{payload: "", wantErr: ErrMalformedCommand},
		{payload: "7", wantErr: ErrUnknownMode},
		{payload: "-1", wantErr: ErrUnknownMode},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.payload), true)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cmd.Kind != tt.want.Kind || cmd.Mode != tt.want.Mode {
				t.Errorf("command = %+v, want %+v", cmd, tt.want)
			}
		})
	}
}

func TestSentinelsDisjointFromModes(t *testing.T) {
	for _, v := range []int{AckValue, PingValue} {
		if Valid(Mode(v)) {
			t.Errorf("sentinel %d collides with a mode", v)
		}
	}
	if string(AckPayload) != "4" {
		t.Errorf("ack payload = %q, want %q", AckPayload, "4")
	}
}

func TestModeString(t *testing.T) {
	if Car.String() != "car" || Idle.String() != "idle" {
		t.Errorf("unexpected names: %s %s", Car, Idle)
	}
	if Mode(9).String() != "unknown(9)" {
		t.Errorf("unexpected unknown name: %s", Mode(9))
	}
}

func TestStateInitialAndConcurrentAccess(t *testing.T) {
	s := NewState()
	if got := s.Load(); got != Idle {
		t.Fatalf("initial mode = %v, want idle", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(m Mode) {
			defer wg.Done()
			s.Store(m)
		}(Mode(i % 4))
		go func() {
			defer wg.Done()
			if got := s.Load(); !Valid(got) {
				t.Errorf("observed invalid mode %v", got)
			}
		}()
	}
	wg.Wait()
}
