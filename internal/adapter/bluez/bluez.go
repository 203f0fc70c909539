// Package bluez implements the radio adapter on top of the host BLE stack through
// tinygo.org/x/bluetooth (BlueZ over D-Bus on Linux).
package bluez

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/radio-control/beaconnode/internal/adapter"
)

// StackID selects the BlueZ error mapping table.
const StackID = "bluez"

// DefaultAdapterID is the only HCI device the host stack binding exposes.
const DefaultAdapterID = "hci0"

// scanner is the part of the host adapter a scan window drives.
type scanner interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// Options configures the BlueZ radio.
type Options struct {
	// AdapterID is the HCI device. Empty or "hci0" selects the default adapter; other
	// devices are not reachable through the stack binding.
	AdapterID string

	// LocalName is advertised in the advertising payload.
	LocalName string
}

// Radio implements adapter.Radio using the host BLE stack.
type Radio struct {
	adapter.Base

	bt      *bluetooth.Adapter
	scanner scanner
	logger  zerolog.Logger
	name    string

	mu         sync.Mutex
	adv        *bluetooth.Advertisement
	advParams  *adapter.AdvertisingParams
	scanParams *adapter.ScanParams
	handler    adapter.DiscoveryHandler
	seen       map[adapter.Address]struct{}

	// scanGen numbers scan windows. scanning is true while window scanGen is armed and
	// not yet stopped; scanDone closes when that window's scan goroutine has exited.
	scanGen   uint64
	scanning  bool
	scanDone  chan struct{}
	stopTimer *time.Timer
}

// New enables the host adapter and returns a radio bound to it.
func New(opts Options, logger zerolog.Logger) (*Radio, error) {
	id := opts.AdapterID
	if id == "" {
		id = DefaultAdapterID
	}
	if id != DefaultAdapterID {
		return nil, fmt.Errorf("adapter %s: only %s is supported", id, DefaultAdapterID)
	}
	bt := bluetooth.DefaultAdapter

	if err := bt.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter %s: %w", id, err)
	}

	return &Radio{
		Base: adapter.Base{
			RadioID: id,
			Model:   "bluez",
			Status:  "online",
		},
		bt:      bt,
		scanner: bt,
		logger:  logger.With().Str("component", "bluez").Str("adapter", id).Logger(),
		name:    opts.LocalName,
	}, nil
}

// Address returns the controller's own address in transmission order.
func (r *Radio) Address(ctx context.Context) (adapter.Address, error) {
	if err := ctx.Err(); err != nil {
		return adapter.Address{}, err
	}
	mac, err := r.bt.Address()
	if err != nil {
		return adapter.Address{}, err
	}
	return fromMAC(mac.MAC), nil
}

// ConfigureAdvertising applies the advertising parameters to the default advertisement.
func (r *Radio) ConfigureAdvertising(ctx context.Context, params adapter.AdvertisingParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lo, _ := params.IntervalRange()
	adv := r.bt.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName: r.name,
		Interval:  bluetooth.NewDuration(lo),
	}); err != nil {
		return err
	}
	r.adv = adv
	r.advParams = &params
	return nil
}

// StartAdvertising starts the configured advertisement.
func (r *Radio) StartAdvertising(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil {
		return fmt.Errorf("org.bluez.Error.NotReady: advertising not configured")
	}
	return r.adv.Start()
}

// StopAdvertising stops the advertisement. It is a no-op when nothing was configured.
func (r *Radio) StopAdvertising(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil {
		return nil
	}
	return r.adv.Stop()
}

// ConfigureScan stores the scan parameters. The host stack always scans actively on all
// channels; duplicate filtering is applied per window by this adapter.
func (r *Radio) ConfigureScan(ctx context.Context, params adapter.ScanParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanParams = &params
	return nil
}

// StartScan runs one scan window in the background and returns immediately. The window
// is closed by a timer. A window still running from an earlier call is stopped first and
// the new scan starts once the earlier one has unwound.
func (r *Radio) StartScan(ctx context.Context, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if window <= 0 {
		return fmt.Errorf("INVALID_RANGE: scan window %v", window)
	}

	r.mu.Lock()
	if r.scanParams == nil {
		r.mu.Unlock()
		return fmt.Errorf("org.bluez.Error.NotReady: scan not configured")
	}
	stopPrev := r.haltScanLocked()

	r.scanGen++
	gen := r.scanGen
	prev := r.scanDone
	done := make(chan struct{})
	r.scanDone = done
	r.scanning = true
	r.seen = make(map[adapter.Address]struct{})
	dedupe := r.scanParams.FilterDuplicate

	r.stopTimer = time.AfterFunc(window, func() {
		r.mu.Lock()
		stop := r.scanGen == gen && r.haltScanLocked()
		r.mu.Unlock()
		if stop {
			r.stopScan()
		}
	})
	r.mu.Unlock()

	if stopPrev {
		r.stopScan()
	}
	go r.runScan(gen, prev, done, dedupe)
	return nil
}

// runScan drives window gen. It waits for the previous window to unwind, since the stack
// runs one scan at a time.
func (r *Radio) runScan(gen uint64, prev <-chan struct{}, done chan<- struct{}, dedupe bool) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	if !r.isCurrent(gen) {
		return
	}

	err := r.scanner.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !r.isCurrent(gen) {
			// Stopped before the scan was running; end it on the first report.
			_ = r.scanner.StopScan()
			return
		}
		r.deliver(fromMAC(result.Address.MAC), int(result.RSSI), dedupe)
	})
	if err != nil {
		r.logger.Error().Err(err).Uint64("window", gen).Msg("scan window failed")
	}

	r.mu.Lock()
	if r.scanGen == gen {
		r.scanning = false
	}
	r.mu.Unlock()
}

func (r *Radio) isCurrent(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanGen == gen && r.scanning
}

// SetDiscoveryHandler installs the discovery handler.
func (r *Radio) SetDiscoveryHandler(h adapter.DiscoveryHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Close stops scanning and advertising.
func (r *Radio) Close() error {
	r.mu.Lock()
	stop := r.haltScanLocked()
	var err error
	if r.adv != nil {
		err = r.adv.Stop()
	}
	r.mu.Unlock()

	if stop {
		r.stopScan()
	}
	r.SetStatus("offline")
	return err
}

// haltScanLocked disarms the current window and reports whether the stack scan must be
// stopped. The stack is called outside r.mu since scan callbacks take it.
func (r *Radio) haltScanLocked() bool {
	if r.stopTimer != nil {
		r.stopTimer.Stop()
		r.stopTimer = nil
	}
	if !r.scanning {
		return false
	}
	r.scanning = false
	return true
}

func (r *Radio) stopScan() {
	if err := r.scanner.StopScan(); err != nil {
		r.logger.Debug().Err(err).Msg("stop scan")
	}
}

func (r *Radio) deliver(addr adapter.Address, rssi int, dedupe bool) {
	r.mu.Lock()
	handler := r.handler
	if dedupe {
		if _, dup := r.seen[addr]; dup {
			r.mu.Unlock()
			return
		}
		r.seen[addr] = struct{}{}
	}
	r.mu.Unlock()

	if handler != nil {
		handler(adapter.PeerObservation{Address: addr, RSSI: rssi})
	}
}

// fromMAC converts the stack's little-endian MAC to transmission order.
func fromMAC(mac bluetooth.MAC) adapter.Address {
	var a adapter.Address
	for i := range a {
		a[i] = mac[len(mac)-1-i]
	}
	return a
}
