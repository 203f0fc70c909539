package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("500ms", "5s") in config
// files.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a duration string. TOML decoding uses it.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// TimingConfig holds the control loop and bring-up delays.
type TimingConfig struct {
	SettleDelay   Duration `yaml:"settle_delay" toml:"settle_delay"`
	CarPace       Duration `yaml:"car_pace" toml:"car_pace"`
	IdlePace      Duration `yaml:"idle_pace" toml:"idle_pace"`
	ScanWindow    Duration `yaml:"scan_window" toml:"scan_window"`
	ScanMargin    Duration `yaml:"scan_margin" toml:"scan_margin"`
	AnnounceDelay Duration `yaml:"announce_delay" toml:"announce_delay"`
}

// TimingBaseline returns the timing the deployed nodes use.
func TimingBaseline() TimingConfig {
	return TimingConfig{
		SettleDelay:   Duration(500 * time.Millisecond), // radio settle after stop / antenna-run entry
		CarPace:       Duration(500 * time.Millisecond),
		IdlePace:      Duration(500 * time.Millisecond),
		ScanWindow:    Duration(5 * time.Second),
		ScanMargin:    Duration(100 * time.Millisecond), // antenna pace = window + margin
		AnnounceDelay: Duration(time.Second),
	}
}

// ScanPace is the pacing of antenna iterations.
func (t TimingConfig) ScanPace() time.Duration {
	return t.ScanWindow.D() + t.ScanMargin.D()
}
