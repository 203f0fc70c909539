// Package fake provides a fake radio adapter implementation for testing.
//
// The fake records every call in order, validates parameters the way a real stack does,
// and delivers a scripted list of peer observations on each scan window.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/radio-control/beaconnode/internal/adapter"
)

// Call is one recorded radio call.
type Call struct {
	Op     string
	Window time.Duration // StartScan only
}

// FakeRadio implements adapter.Radio for testing purposes.
type FakeRadio struct {
	adapter.Base

	mu sync.Mutex

	address     adapter.Address
	advParams   *adapter.AdvertisingParams
	scanParams  *adapter.ScanParams
	advertising bool
	scans       int
	handler     adapter.DiscoveryHandler
	peers       []adapter.PeerObservation
	calls       []Call
	closed      bool

	// Error simulation
	failOps   map[string]string
	failAfter map[string]int
}

// NewFakeRadio creates a new fake radio with the given own address.
func NewFakeRadio(radioID string, address adapter.Address) *FakeRadio {
	return &FakeRadio{
		Base: adapter.Base{
			RadioID: radioID,
			Model:   "Fake-BLE-Test",
			Status:  "online",
		},
		address:   address,
		failOps:   make(map[string]string),
		failAfter: make(map[string]int),
	}
}

// Address returns the configured own address.
func (f *FakeRadio) Address(ctx context.Context) (adapter.Address, error) {
	if err := f.begin(ctx, Call{Op: adapter.OpAddress}); err != nil {
		return adapter.Address{}, err
	}
	return f.address, nil
}

// ConfigureAdvertising validates and stores the advertising parameters.
func (f *FakeRadio) ConfigureAdvertising(ctx context.Context, params adapter.AdvertisingParams) error {
	if err := f.begin(ctx, Call{Op: adapter.OpConfigureAdvertising}); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advParams = &params
	return nil
}

// StartAdvertising starts advertising. It fails if advertising was never configured.
func (f *FakeRadio) StartAdvertising(ctx context.Context) error {
	if err := f.begin(ctx, Call{Op: adapter.OpStartAdvertising}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.advParams == nil {
		return fmt.Errorf("INVALID_STATE: advertising not configured")
	}
	f.advertising = true
	return nil
}

// StopAdvertising stops advertising. Stopping when not advertising is a no-op.
func (f *FakeRadio) StopAdvertising(ctx context.Context) error {
	if err := f.begin(ctx, Call{Op: adapter.OpStopAdvertising}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertising = false
	return nil
}

// ConfigureScan stores the scan parameters.
func (f *FakeRadio) ConfigureScan(ctx context.Context, params adapter.ScanParams) error {
	if err := f.begin(ctx, Call{Op: adapter.OpConfigureScan}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanParams = &params
	return nil
}

// StartScan delivers the scripted peers to the discovery handler before returning.
func (f *FakeRadio) StartScan(ctx context.Context, window time.Duration) error {
	if err := f.begin(ctx, Call{Op: adapter.OpStartScan, Window: window}); err != nil {
		return err
	}
	if window <= 0 {
		return fmt.Errorf("INVALID_RANGE: scan window %v", window)
	}

	f.mu.Lock()
	if f.scanParams == nil {
		f.mu.Unlock()
		return fmt.Errorf("INVALID_STATE: scan not configured")
	}
	f.scans++
	handler := f.handler
	peers := append([]adapter.PeerObservation(nil), f.peers...)
	f.mu.Unlock()

	if handler != nil {
		for _, p := range peers {
			handler(p)
		}
	}
	return nil
}

// SetDiscoveryHandler installs the discovery handler.
func (f *FakeRadio) SetDiscoveryHandler(h adapter.DiscoveryHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Close marks the radio closed. Later calls fail with UNAVAILABLE.
func (f *FakeRadio) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.advertising = false
	f.SetStatus("offline")
	return nil
}

// begin records the call and applies cancellation and error simulation.
func (f *FakeRadio) begin(ctx context.Context, call Call) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)

	if f.closed {
		return fmt.Errorf("UNAVAILABLE: radio closed")
	}
	if errorType, ok := f.failOps[call.Op]; ok {
		if n := f.failAfter[call.Op]; n > 0 {
			f.failAfter[call.Op] = n - 1
			return nil
		}
		return simulatedError(errorType)
	}
	return nil
}

// Helper methods for testing

// SetErrorSimulation makes every later call of op fail with errorType.
func (f *FakeRadio) SetErrorSimulation(op, errorType string) {
	f.SetErrorSimulationAfter(op, errorType, 0)
}

// SetErrorSimulationAfter lets n calls of op succeed and fails the ones after.
func (f *FakeRadio) SetErrorSimulationAfter(op, errorType string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = errorType
	f.failAfter[op] = n
}

// DisableErrorSimulation clears all error simulation.
func (f *FakeRadio) DisableErrorSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps = make(map[string]string)
	f.failAfter = make(map[string]int)
}

// SetPeers scripts the observations delivered on each scan window.
func (f *FakeRadio) SetPeers(peers ...adapter.PeerObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers = append([]adapter.PeerObservation(nil), peers...)
}

// Calls returns a copy of the recorded calls.
func (f *FakeRadio) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Ops returns the recorded operation names in order.
func (f *FakeRadio) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.calls))
	for i, c := range f.calls {
		ops[i] = c.Op
	}
	return ops
}

// ResetCalls clears the call record.
func (f *FakeRadio) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Advertising reports whether the fake is currently advertising.
func (f *FakeRadio) Advertising() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advertising
}

// Scans returns the number of scan windows started.
func (f *FakeRadio) Scans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func simulatedError(errorType string) error {
	switch errorType {
	case "INVALID_RANGE":
		return fmt.Errorf("INVALID_RANGE: simulated range error")
	case "BUSY":
		return fmt.Errorf("BUSY: simulated busy error")
	case "UNAVAILABLE":
		return fmt.Errorf("UNAVAILABLE: simulated unavailable error")
	case "INTERNAL":
		return fmt.Errorf("INTERNAL: simulated internal error")
	default:
		return fmt.Errorf("simulated %s error", errorType)
	}
}
