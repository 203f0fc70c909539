package api

import (
	"net/http"

	"github.com/radio-control/beaconnode/internal/node"
	"github.com/radio-control/beaconnode/internal/telemetry"
)

// StatusPort is what the API needs from the supervisor.
type StatusPort interface {
	Status() node.Status
}

// TelemetryPort is what the API needs from the telemetry hub.
type TelemetryPort interface {
	Recent(since int64) []telemetry.Event
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Compile-time assertions for port conformance
var _ StatusPort = (*node.Supervisor)(nil)
var _ TelemetryPort = (*telemetry.Hub)(nil)
