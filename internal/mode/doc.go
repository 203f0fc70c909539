// Package mode defines the node operating modes, the command wire encoding and the
// shared mode state that connects the command handler to the mode controller.
//
// Wire encoding (ASCII decimal on the command topics):
//   - 0 car, 1 antenna-init, 2 antenna-run, 3 idle
//   - 4 ACK sentinel (also the literal ACK reply payload)
//   - 5 PING sentinel
//
// The mode encodings and the sentinel encodings must stay disjoint.
package mode
