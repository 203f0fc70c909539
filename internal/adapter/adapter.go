package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Address is a 6-byte BLE device address in transmission order.
type Address [6]byte

// String formats the address as lowercase colon-separated hex, e.g. "aa:bb:cc:dd:ee:ff".
func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseAddress parses a colon-separated hex address in either case.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != len(a) {
		return Address{}, fmt.Errorf("address %q: expected 6 octets, got %d", s, len(parts))
	}
	for i, part := range parts {
		if len(part) != 2 {
			return Address{}, fmt.Errorf("address %q: octet %d has length %d", s, i, len(part))
		}
		v, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return Address{}, fmt.Errorf("address %q: octet %d: %w", s, i, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// PeerObservation is one discovery event produced during a scan window.
type PeerObservation struct {
	Address Address
	RSSI    int
}

// DiscoveryHandler receives peer observations. Adapters call it from their own scan
// goroutine, concurrently with the control loop.
type DiscoveryHandler func(PeerObservation)

// AdvertisingType selects the advertising PDU type.
type AdvertisingType int

const (
	// AdvertisingGeneral is connectable, scannable, undirected advertising (ADV_IND).
	AdvertisingGeneral AdvertisingType = iota
	AdvertisingDirected
	AdvertisingScannable
	AdvertisingNonConnectable
)

// AddressType selects which own address the stack uses.
type AddressType int

const (
	AddressPublic AddressType = iota
	AddressRandom
	// AddressResolvablePublic is a resolvable private address falling back to the public one.
	AddressResolvablePublic
	AddressResolvableRandom
)

// ChannelMap is a bitmask of the advertising channels 37, 38 and 39.
type ChannelMap uint8

const (
	Channel37   ChannelMap = 0x01
	Channel38   ChannelMap = 0x02
	Channel39   ChannelMap = 0x04
	ChannelsAll ChannelMap = Channel37 | Channel38 | Channel39
)

// AdvertisingFilter is the advertiser's scan/connect request filter policy.
type AdvertisingFilter int

const (
	// AllowScanAnyConnectAny accepts scan and connect requests from any device.
	AllowScanAnyConnectAny AdvertisingFilter = iota
	AllowScanWhitelistConnectAny
	AllowScanAnyConnectWhitelist
	AllowScanWhitelistConnectWhitelist
)

// ScanFilter is the scanner's advertising filter policy.
type ScanFilter int

const (
	// ScanAcceptAll accepts every advertising packet.
	ScanAcceptAll ScanFilter = iota
	ScanOnlyWhitelist
)

// Advertising interval bounds in 0.625 ms units, per the Bluetooth core specification.
const (
	MinAdvertisingInterval uint16 = 0x0020
	MaxAdvertisingInterval uint16 = 0x4000
)

// AdvertisingParams are the fixed advertising parameters of the node.
type AdvertisingParams struct {
	IntervalMin  uint16 // 0.625 ms units
	IntervalMax  uint16 // 0.625 ms units
	Type         AdvertisingType
	OwnAddress   AddressType
	Channels     ChannelMap
	FilterPolicy AdvertisingFilter
}

// ScanParams are the fixed scan parameters of the node.
type ScanParams struct {
	OwnAddress      AddressType
	FilterDuplicate bool
	FilterPolicy    ScanFilter
}

// DefaultAdvertisingParams are the parameters used in car and antenna-init modes:
// 20-40 ms interval, general undirected, public address, all channels, accept all.
var DefaultAdvertisingParams = AdvertisingParams{
	IntervalMin:  0x20,
	IntervalMax:  0x40,
	Type:         AdvertisingGeneral,
	OwnAddress:   AddressPublic,
	Channels:     ChannelsAll,
	FilterPolicy: AllowScanAnyConnectAny,
}

// DefaultScanParams are the parameters used in both antenna modes.
var DefaultScanParams = ScanParams{
	OwnAddress:      AddressResolvablePublic,
	FilterDuplicate: true,
	FilterPolicy:    ScanAcceptAll,
}

// Validate checks the parameters against the ranges a BLE stack accepts.
func (p AdvertisingParams) Validate() error {
	if p.IntervalMin < MinAdvertisingInterval || p.IntervalMax > MaxAdvertisingInterval {
		return fmt.Errorf("INVALID_RANGE: advertising interval [%#x, %#x] outside [%#x, %#x]",
			p.IntervalMin, p.IntervalMax, MinAdvertisingInterval, MaxAdvertisingInterval)
	}
	if p.IntervalMin > p.IntervalMax {
		return fmt.Errorf("INVALID_RANGE: advertising interval min %#x above max %#x", p.IntervalMin, p.IntervalMax)
	}
	if p.Channels == 0 || p.Channels&^ChannelsAll != 0 {
		return fmt.Errorf("INVALID_RANGE: channel map %#x", uint8(p.Channels))
	}
	return nil
}

// IntervalRange converts the interval bounds to durations.
func (p AdvertisingParams) IntervalRange() (time.Duration, time.Duration) {
	unit := 625 * time.Microsecond
	return time.Duration(p.IntervalMin) * unit, time.Duration(p.IntervalMax) * unit
}

// Radio is the radio subsystem contract.
//
// StartScan arms one bounded scan window and returns without waiting for it to finish;
// discovery events for the window are delivered to the discovery handler.
type Radio interface {
	// Address returns the node's own radio address.
	Address(ctx context.Context) (Address, error)

	ConfigureAdvertising(ctx context.Context, params AdvertisingParams) error
	StartAdvertising(ctx context.Context) error
	StopAdvertising(ctx context.Context) error

	ConfigureScan(ctx context.Context, params ScanParams) error
	StartScan(ctx context.Context, window time.Duration) error

	// SetDiscoveryHandler installs the handler for scan results. It must be called before
	// the first StartScan.
	SetDiscoveryHandler(h DiscoveryHandler)

	// Close releases the stack. Scans in flight are stopped.
	Close() error
}

// Info describes the radio backing a node.
type Info struct {
	RadioID string `json:"radioId"`
	Model   string `json:"model"`
	Status  string `json:"status"`
}

// Describer is implemented by radios that can report Info.
type Describer interface {
	Info() Info
}

// Base provides the identity fields shared by adapter implementations.
type Base struct {
	// RadioID identifies the radio (for example the HCI device name)
	RadioID string

	// Model identifies the stack backing the adapter
	Model string

	// Status indicates the current radio status
	Status string

	statusMu sync.RWMutex
}

// Info returns the radio identity and status.
func (b *Base) Info() Info {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return Info{RadioID: b.RadioID, Model: b.Model, Status: b.Status}
}

// SetStatus updates the radio status.
func (b *Base) SetStatus(status string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.Status = status
}

// Radio operation names used in HardwareError and logs.
const (
	OpAddress              = "address"
	OpConfigureAdvertising = "configure_advertising"
	OpStartAdvertising     = "start_advertising"
	OpStopAdvertising      = "stop_advertising"
	OpConfigureScan        = "configure_scan"
	OpStartScan            = "start_scan"
)
