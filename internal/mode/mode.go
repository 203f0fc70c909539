package mode

import "fmt"

// Mode is the operating behaviour of the radio subsystem.
type Mode int32

const (
	// Car advertises only.
	Car Mode = 0
	// AntennaInit scans and advertises so the node stays discoverable while it starts scanning.
	AntennaInit Mode = 1
	// AntennaRun scans only.
	AntennaRun Mode = 2
	// Idle keeps the radio quiet. It is the initial mode.
	Idle Mode = 3
)

// Initial is the mode a node boots into.
const Initial = Idle

var modeNames = map[Mode]string{
	Car:         "car",
	AntennaInit: "antenna-init",
	AntennaRun:  "antenna-run",
	Idle:        "idle",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int32(m))
}

// MarshalText renders the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Valid reports whether m is one of the defined modes.
func Valid(m Mode) bool {
	_, ok := modeNames[m]
	return ok
}

// Advertises reports whether the radio advertises while in m. Leaving such a mode
// requires stopping advertising first.
func (m Mode) Advertises() bool {
	return m == Car || m == AntennaInit
}

// Scans reports whether m re-arms a scan window every iteration.
func (m Mode) Scans() bool {
	return m == AntennaInit || m == AntennaRun
}
