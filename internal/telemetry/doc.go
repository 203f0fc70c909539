// Package telemetry forwards peer observations upstream and fans node events out to
// local observers.
//
// The Reporter publishes one "<addr>,<rssi>" message on the node's rssi/<addr> topic per
// discovery event, with no deduplication, filtering or rate limiting. The Hub keeps the
// last N node events (peers, commands, mode transitions, faults) in a ring buffer and
// streams them to websocket clients, resuming from a client-supplied event ID.
package telemetry
