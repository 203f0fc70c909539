package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/clock"
	"github.com/radio-control/beaconnode/internal/metrics"
	"github.com/radio-control/beaconnode/internal/mode"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

// Timing holds the loop's fixed delays.
type Timing struct {
	SettleDelay time.Duration // after stopping advertising, and on antenna-run entry
	CarPace     time.Duration
	IdlePace    time.Duration
	ScanWindow  time.Duration
	ScanMargin  time.Duration // added to the scan window to pace antenna iterations
}

// DefaultTiming returns the timing the deployed nodes use.
func DefaultTiming() Timing {
	return Timing{
		SettleDelay: 500 * time.Millisecond,
		CarPace:     500 * time.Millisecond,
		IdlePace:    500 * time.Millisecond,
		ScanWindow:  5 * time.Second,
		ScanMargin:  100 * time.Millisecond,
	}
}

// ScanPace is the pacing of antenna iterations.
func (t Timing) ScanPace() time.Duration {
	return t.ScanWindow + t.ScanMargin
}

// TransitionAuditor records mode transitions.
type TransitionAuditor interface {
	LogTransition(ctx context.Context, from, to mode.Mode, err error)
}

// EventPublisher receives node events for local observers.
type EventPublisher interface {
	Publish(event telemetry.Event) error
}

// Snapshot is a read-only view of the loop for status reporting.
type Snapshot struct {
	Current        mode.Mode `json:"current"`
	Previous       mode.Mode `json:"previous"`
	Iterations     uint64    `json:"iterations"`
	Transitions    uint64    `json:"transitions"`
	ScanWindows    uint64    `json:"scanWindows"`
	LastTransition time.Time `json:"lastTransition"`
}

// Options configures the controller.
type Options struct {
	Timing  Timing
	StackID string // error mapping table for radio failures
}

// Controller is the mode state machine.
type Controller struct {
	radio  adapter.Radio
	state  *mode.State
	clock  clock.Clock
	opts   Options
	logger zerolog.Logger

	auditLogger TransitionAuditor
	events      EventPublisher

	// previous is owned by the loop goroutine.
	previous mode.Mode

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a controller. The previous mode starts as the initial mode, so a node that
// boots into idle performs no radio calls until commanded.
func New(radio adapter.Radio, state *mode.State, clk clock.Clock, opts Options, logger zerolog.Logger) *Controller {
	if opts.StackID == "" {
		opts.StackID = "generic"
	}
	return &Controller{
		radio:    radio,
		state:    state,
		clock:    clk,
		opts:     opts,
		logger:   logger.With().Str("component", "controller").Logger(),
		previous: mode.Initial,
		snap: Snapshot{
			Current:  mode.Initial,
			Previous: mode.Initial,
		},
	}
}

// SetAuditLogger sets the transition auditor.
func (c *Controller) SetAuditLogger(a TransitionAuditor) {
	c.auditLogger = a
}

// SetEventPublisher sets the local event sink.
func (c *Controller) SetEventPublisher(events EventPublisher) {
	c.events = events
}

// Run loops until ctx is done or a radio call fails. It returns ctx.Err() on
// cancellation and an *adapter.HardwareError on radio failure.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info().Stringer("mode", c.state.Load()).Msg("Control loop started")
	for {
		pace, err := c.Step(ctx)
		if err != nil {
			return err
		}
		if err := c.clock.Sleep(ctx, pace); err != nil {
			return err
		}
	}
}

// Step runs one iteration and returns the pacing delay the caller should wait before
// the next one.
func (c *Controller) Step(ctx context.Context) (time.Duration, error) {
	current := c.state.Load()
	prev := c.previous

	if prev.Advertises() && current != prev {
		c.logger.Debug().Stringer("from", prev).Stringer("to", current).Msg("Stopping advertising")
		if err := c.radio.StopAdvertising(ctx); err != nil {
			return 0, c.fail(ctx, adapter.OpStopAdvertising, prev, current, err)
		}
		if err := c.clock.Sleep(ctx, c.opts.Timing.SettleDelay); err != nil {
			return 0, err
		}
	}

	entering := current != prev
	var pace time.Duration

	switch current {
	case mode.Car:
		if entering {
			c.logger.Info().Msg("Switching to car mode")
			if err := c.radio.ConfigureAdvertising(ctx, adapter.DefaultAdvertisingParams); err != nil {
				return 0, c.fail(ctx, adapter.OpConfigureAdvertising, prev, current, err)
			}
			if err := c.radio.StartAdvertising(ctx); err != nil {
				return 0, c.fail(ctx, adapter.OpStartAdvertising, prev, current, err)
			}
		}
		pace = c.opts.Timing.CarPace

	case mode.AntennaInit:
		if entering {
			c.logger.Info().Msg("Switching to antenna mode (init)")
			if err := c.radio.ConfigureScan(ctx, adapter.DefaultScanParams); err != nil {
				return 0, c.fail(ctx, adapter.OpConfigureScan, prev, current, err)
			}
			if err := c.radio.ConfigureAdvertising(ctx, adapter.DefaultAdvertisingParams); err != nil {
				return 0, c.fail(ctx, adapter.OpConfigureAdvertising, prev, current, err)
			}
			if err := c.radio.StartAdvertising(ctx); err != nil {
				return 0, c.fail(ctx, adapter.OpStartAdvertising, prev, current, err)
			}
		}
		if err := c.scan(ctx, prev, current); err != nil {
			return 0, err
		}
		pace = c.opts.Timing.ScanPace()

	case mode.AntennaRun:
		if entering {
			c.logger.Info().Msg("Switching to antenna mode (run)")
			if err := c.radio.ConfigureScan(ctx, adapter.DefaultScanParams); err != nil {
				return 0, c.fail(ctx, adapter.OpConfigureScan, prev, current, err)
			}
			if err := c.clock.Sleep(ctx, c.opts.Timing.SettleDelay); err != nil {
				return 0, err
			}
		}
		if err := c.scan(ctx, prev, current); err != nil {
			return 0, err
		}
		pace = c.opts.Timing.ScanPace()

	default:
		// Idle, and any undefined value a permissive decode let through.
		if entering {
			c.logger.Info().Stringer("mode", current).Msg("Switching to idle")
		}
		pace = c.opts.Timing.IdlePace
	}

	c.previous = current
	c.record(ctx, prev, current, entering)
	return pace, nil
}

func (c *Controller) scan(ctx context.Context, prev, current mode.Mode) error {
	if err := c.radio.StartScan(ctx, c.opts.Timing.ScanWindow); err != nil {
		return c.fail(ctx, adapter.OpStartScan, prev, current, err)
	}
	metrics.RecordScanWindow()

	c.mu.Lock()
	c.snap.ScanWindows++
	c.mu.Unlock()
	return nil
}

// Snapshot returns the loop's current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Controller) record(ctx context.Context, prev, current mode.Mode, entering bool) {
	now := c.clock.Now()

	c.mu.Lock()
	c.snap.Iterations++
	c.snap.Current = current
	c.snap.Previous = prev
	if entering {
		c.snap.Transitions++
		c.snap.LastTransition = now
	}
	c.mu.Unlock()

	if !entering {
		return
	}

	metrics.RecordTransition(prev.String(), current.String(), int32(current))
	if c.auditLogger != nil {
		c.auditLogger.LogTransition(ctx, prev, current, nil)
	}
	c.publishEvent(telemetry.EventMode, map[string]interface{}{
		"from": prev.String(),
		"to":   current.String(),
	})
}

// fail classifies a radio error. Cancellation is passed through unchanged; everything
// else becomes an unrecoverable hardware error.
func (c *Controller) fail(ctx context.Context, op string, prev, current mode.Mode, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	hwErr := adapter.FatalWithStack(op, err, c.opts.StackID)

	c.logger.Error().Err(hwErr).Str("op", op).Stringer("from", prev).Stringer("to", current).Msg("Radio call failed")
	if c.auditLogger != nil {
		c.auditLogger.LogTransition(ctx, prev, current, hwErr)
	}
	c.publishEvent(telemetry.EventFault, map[string]interface{}{
		"op":    op,
		"from":  prev.String(),
		"to":    current.String(),
		"error": hwErr.Error(),
	})
	return fmt.Errorf("mode %s: %w", current, hwErr)
}

func (c *Controller) publishEvent(eventType string, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	_ = c.events.Publish(telemetry.Event{Type: eventType, Data: data})
}
