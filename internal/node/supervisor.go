package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/controller"
	"github.com/radio-control/beaconnode/internal/messaging"
	"github.com/radio-control/beaconnode/internal/metrics"
	"github.com/radio-control/beaconnode/internal/mode"
)

// ErrGaveUp is returned by Supervisor.Run once the restart budget is spent.
var ErrGaveUp = errors.New("node failed too many times")

// Policy is the supervisor's restart policy.
type Policy struct {
	MaxRestarts int           // consecutive failures tolerated before giving up
	Backoff     time.Duration // wait before each fresh bring-up
	StableAfter time.Duration // an incarnation that ran this long resets the failure count
}

// DefaultPolicy returns the restart policy the deployed nodes use.
func DefaultPolicy() Policy {
	return Policy{
		MaxRestarts: 10,
		Backoff:     5 * time.Second,
		StableAfter: time.Minute,
	}
}

// Status is the supervisor's view for the ops API.
type Status struct {
	Running  bool                `json:"running"`
	Identity Identity            `json:"identity"`
	Topics   messaging.Topics    `json:"topics"`
	Mode     mode.Mode           `json:"mode"`
	Radio    adapter.Info        `json:"radio"`
	Loop     controller.Snapshot `json:"loop"`
	Restarts int                 `json:"restarts"`
	Failures int                 `json:"consecutiveFailures"`
	LastErr  string              `json:"lastError,omitempty"`
}

// Supervisor runs node incarnations and restarts them after failures.
type Supervisor struct {
	cfg    Config
	policy Policy
	deps   Deps
	logger zerolog.Logger

	mu       sync.RWMutex
	current  *Node
	restarts int
	failures int
	lastErr  error
}

// NewSupervisor creates a supervisor.
func NewSupervisor(cfg Config, policy Policy, deps Deps, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		policy: policy,
		deps:   deps,
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// Run brings nodes up until ctx is done, which returns nil, or the restart budget is
// spent, which returns an error wrapping ErrGaveUp and the last failure.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		started := s.deps.Clock.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("Supervisor stopped")
			return nil
		}
		if err == nil {
			err = errors.New("node stopped unexpectedly")
		}

		s.mu.Lock()
		if s.deps.Clock.Now().Sub(started) >= s.policy.StableAfter && s.policy.StableAfter > 0 {
			s.failures = 0
		}
		s.failures++
		s.lastErr = err
		failures := s.failures
		s.mu.Unlock()

		code := failureCode(err)
		s.logger.Error().Err(err).Str("code", code).Int("failures", failures).Msg("Node failed")

		if failures > s.policy.MaxRestarts {
			return fmt.Errorf("%w (%d consecutive failures): %w", ErrGaveUp, failures, err)
		}

		if err := s.deps.Clock.Sleep(ctx, s.policy.Backoff); err != nil {
			return nil
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		metrics.RecordRestart(code)
		s.logger.Warn().Int("attempt", failures).Msg("Restarting node")
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	n, err := Bringup(runCtx, s.cfg, s.deps, s.logger)
	if err != nil {
		return fmt.Errorf("bring-up: %w", err)
	}
	s.setCurrent(n)
	defer func() {
		s.setCurrent(nil)
		if err := n.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Teardown failed")
		}
	}()

	return n.Run(runCtx)
}

func (s *Supervisor) setCurrent(n *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = n
}

// Current returns the running incarnation, or nil between incarnations.
func (s *Supervisor) Current() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Status returns the supervisor's view of the node.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Restarts: s.restarts,
		Failures: s.failures,
		Mode:     mode.Initial,
	}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	if n := s.current; n != nil {
		st.Running = true
		st.Identity = n.Identity()
		st.Topics = n.Topics()
		st.Mode = n.Mode()
		st.Radio = n.Radio()
		st.Loop = n.Snapshot()
	}
	return st
}

// failureCode labels a failure for metrics: the hardware code for radio failures,
// BRINGUP otherwise.
func failureCode(err error) string {
	var hw *adapter.HardwareError
	if errors.As(err, &hw) && hw.Code != nil {
		return hw.Code.Error()
	}
	return "BRINGUP"
}
