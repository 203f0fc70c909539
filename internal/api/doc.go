// Package api implements the node's local ops HTTP API.
//
// The API is read-only: liveness, the supervisor's status view, recent node events,
// a websocket stream of the telemetry hub and Prometheus metrics. It never changes the
// node's mode; commands only arrive over MQTT.
package api
