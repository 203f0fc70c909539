// Package node wires one beacon node together and keeps it running.
//
// A Node is one incarnation: the radio, the messaging channel, the shared mode state, the
// command handler, the telemetry reporter and the mode controller, all bound to the
// identity read from the radio at bring-up. Nothing survives an incarnation except the
// collaborators the Supervisor owns (audit trail, telemetry hub).
//
// The Supervisor runs incarnations one after another. A fatal error tears the current one
// down completely; the next bring-up starts from the initial mode after a backoff.
package node
