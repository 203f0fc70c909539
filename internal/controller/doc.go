// Package controller implements the mode control loop of the beacon node.
//
// Each iteration reads the shared mode once, stops advertising when leaving an
// advertising mode, runs the entry actions of a newly entered mode, re-arms the scan
// window in the antenna modes and returns the pacing delay for the iteration. Any radio
// failure ends the loop with an unrecoverable adapter.HardwareError; the node is then
// restarted as a whole by its supervisor.
package controller
