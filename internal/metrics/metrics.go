// Package metrics exposes the node's Prometheus collectors and small Record helpers
// used by the rest of the module.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "beaconnode"

var (
	registerOnce sync.Once

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "total",
			Help:      "Inbound command messages by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	acks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "acks_total",
			Help:      "Acknowledgement publishes by result.",
		},
		[]string{"result"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mode",
			Name:      "transitions_total",
			Help:      "Mode transitions observed by the control loop.",
		},
		[]string{"from", "to"},
	)
	currentMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mode",
			Name:      "current",
			Help:      "Numeric value of the mode the control loop last acted on.",
		},
	)
	scanWindows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "radio",
			Name:      "scan_windows_total",
			Help:      "Scan windows started.",
		},
	)
	peerObservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "peer_observations_total",
			Help:      "Peer observations by publish result.",
		},
		[]string{"result"},
	)
	inboxDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "inbox_dropped_total",
			Help:      "Inbound messages dropped because the dispatch inbox was full.",
		},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Node restarts after a fatal error, by normalized error code.",
		},
		[]string{"code"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total ops API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Ops API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			commands, acks, transitions, currentMode, scanWindows,
			peerObservations, inboxDropped, restarts, httpRequests, httpDuration,
		)
	})
}

func RecordCommand(kind, outcome string) {
	RegisterMetrics()
	commands.WithLabelValues(kind, outcome).Inc()
}

func RecordAck(published bool) {
	RegisterMetrics()
	acks.WithLabelValues(resultLabel(published)).Inc()
}

func RecordTransition(from, to string, value int32) {
	RegisterMetrics()
	transitions.WithLabelValues(from, to).Inc()
	currentMode.Set(float64(value))
}

func RecordScanWindow() {
	RegisterMetrics()
	scanWindows.Inc()
}

func RecordPeerObservation(published bool) {
	RegisterMetrics()
	peerObservations.WithLabelValues(resultLabel(published)).Inc()
}

func RecordInboxDrop() {
	RegisterMetrics()
	inboxDropped.Inc()
}

func RecordRestart(code string) {
	RegisterMetrics()
	restarts.WithLabelValues(code).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func resultLabel(ok bool) string {
	if ok {
		return "published"
	}
	return "failed"
}
