package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radio-control/beaconnode/internal/auth"
	"github.com/radio-control/beaconnode/internal/metrics"
)

// RegisterRoutes registers every ops endpoint.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	apiV1 := "/api/v1"
	m := s.authMiddleware

	// Health and metrics are unauthenticated.
	mux.HandleFunc(apiV1+"/health", s.instrument(apiV1+"/health", s.handleHealth))
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc(apiV1+"/status", s.instrument(apiV1+"/status", m.Protect(s.handleStatus, auth.ScopeRead)))
	mux.HandleFunc(apiV1+"/events", s.instrument(apiV1+"/events", m.Protect(s.handleEvents, auth.ScopeTelemetry)))
	mux.HandleFunc(apiV1+"/peers/ws", s.instrument(apiV1+"/peers/ws", m.Protect(s.handlePeersWS, auth.ScopeTelemetry)))
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}

	running := false
	if s.status != nil {
		running = s.status.Status().Running
	}
	WriteSuccess(w, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Seconds(),
		"running": running,
	})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.status == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Node status not available")
		return
	}
	WriteSuccess(w, s.status.Status())
}

// handleEvents handles GET /events?since=<id>
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.telemetry == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry not available")
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid since %q", v))
			return
		}
		since = id
	}
	WriteSuccess(w, map[string]interface{}{
		"events": s.telemetry.Recent(since),
	})
}

// handlePeersWS handles GET /peers/ws
func (s *Server) handlePeersWS(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	if s.telemetry == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Telemetry not available")
		return
	}
	s.telemetry.ServeWS(w, r)
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET method is allowed")
		return false
	}
	return true
}

// instrument records request metrics and a debug log line per request under route.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)

		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, rec.status, elapsed)
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	}
}

// statusRecorder captures the response status. It passes Hijack through so websocket
// upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
