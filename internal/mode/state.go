package mode

import "sync/atomic"

// State is the mode value shared between the command handler (writer, message delivery
// goroutine) and the mode controller (reader, loop goroutine).
type State struct {
	v atomic.Int32
}

// NewState returns a State holding the initial mode.
func NewState() *State {
	s := &State{}
	s.v.Store(int32(Initial))
	return s
}

// Load returns the current mode.
func (s *State) Load() Mode {
	return Mode(s.v.Load())
}

// Store publishes a new desired mode. A store is visible to any Load that follows it.
func (s *State) Store(m Mode) {
	s.v.Store(int32(m))
}
