package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/logging"
)

// MinJWTSecretLen is the shortest accepted HS256 secret.
const MinJWTSecretLen = 16

// BlueZAdapterID is the only HCI device the bluez backend can open.
const BlueZAdapterID = "hci0"

// Validate checks cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateNode(&cfg.Node); err != nil {
		return fmt.Errorf("node validation failed: %w", err)
	}
	if err := validateMQTT(&cfg.MQTT, cfg.Node.Radio); err != nil {
		return fmt.Errorf("mqtt validation failed: %w", err)
	}
	if err := ValidateTiming(&cfg.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}
	if err := validateSupervisor(&cfg.Supervisor); err != nil {
		return fmt.Errorf("supervisor validation failed: %w", err)
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Dir) == "" {
		return fmt.Errorf("audit validation failed: dir is required when audit is enabled")
	}
	if cfg.API.JWTSecret != "" && len(cfg.API.JWTSecret) < MinJWTSecretLen {
		return fmt.Errorf("api validation failed: jwt secret must be at least %d bytes", MinJWTSecretLen)
	}
	if cfg.Telemetry.BufferSize <= 0 {
		return fmt.Errorf("telemetry validation failed: buffer size must be positive, got %d", cfg.Telemetry.BufferSize)
	}
	return nil
}

func validateNode(node *NodeConfig) error {
	switch node.Radio {
	case RadioBlueZ:
		if node.AdapterID != "" && node.AdapterID != BlueZAdapterID {
			return fmt.Errorf("adapter id %q: only %q is supported", node.AdapterID, BlueZAdapterID)
		}
	case RadioFake:
		if _, err := adapter.ParseAddress(node.FakeAddress); err != nil {
			return fmt.Errorf("fake address: %w", err)
		}
	default:
		return fmt.Errorf("radio must be %q or %q, got %q", RadioBlueZ, RadioFake, node.Radio)
	}
	return nil
}

func validateMQTT(m *MQTTConfig, radio string) error {
	if m.BrokerURL == MemoryBroker {
		// The in-process broker has no operator on the other side of a real radio.
		if radio != RadioFake {
			return fmt.Errorf("%s broker requires the fake radio", MemoryBroker)
		}
		return nil
	}

	u, err := url.Parse(m.BrokerURL)
	if err != nil {
		return fmt.Errorf("broker url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("broker url %q: unsupported scheme %q", m.BrokerURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker url %q: missing host", m.BrokerURL)
	}

	if m.KeepAlive < 0 || m.ConnectRetryInterval < 0 || m.PublishTimeout < 0 {
		return fmt.Errorf("durations must be non-negative")
	}
	if m.InboxSize < 0 {
		return fmt.Errorf("inbox size must be non-negative, got %d", m.InboxSize)
	}
	return nil
}

// ValidateTiming checks the control loop timing.
func ValidateTiming(t *TimingConfig) error {
	positive := []struct {
		name string
		val  Duration
	}{
		{"settle delay", t.SettleDelay},
		{"car pace", t.CarPace},
		{"idle pace", t.IdlePace},
		{"scan window", t.ScanWindow},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be positive, got %v", p.name, p.val)
		}
	}

	if t.ScanMargin < 0 {
		return fmt.Errorf("scan margin must be non-negative, got %v", t.ScanMargin)
	}
	if t.AnnounceDelay < 0 {
		return fmt.Errorf("announce delay must be non-negative, got %v", t.AnnounceDelay)
	}
	// The radio stack's scan duration field counts 10 ms units in 16 bits.
	if t.ScanWindow.D() > 655*time.Second {
		return fmt.Errorf("scan window %v exceeds 655s", t.ScanWindow)
	}
	return nil
}

func validateSupervisor(s *SupervisorConfig) error {
	if s.MaxRestarts < 0 {
		return fmt.Errorf("max restarts must be non-negative, got %d", s.MaxRestarts)
	}
	if s.Backoff < 0 || s.StableAfter < 0 {
		return fmt.Errorf("backoff and stable_after must be non-negative")
	}
	return nil
}
