// Package httpapi exposes the control plane's HTTP surface: instance
// lifecycle, message ingest/ack/replay, observability reads, and the
// Event Bus streams, routed with gorilla/mux in the same explicit
// per-route style the rest of the corpus's control-plane services use.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/PSEUDONYM97/zeroclaw/internal/apierr"
	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/logging"
	"github.com/PSEUDONYM97/zeroclaw/internal/metrics"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
	"github.com/PSEUDONYM97/zeroclaw/internal/router"
	"github.com/PSEUDONYM97/zeroclaw/internal/secretstore"
)

// Lifecycle is the subset of the Supervisor's control surface the HTTP layer
// drives. Kept as an interface so handlers don't reach into procctl/registry
// directly for process transitions, and so tests can stub it out.
type Lifecycle interface {
	Start(ctx context.Context, instanceID string) error
	Stop(ctx context.Context, instanceID string) error
	Restart(ctx context.Context, instanceID string) error
}

// Server bundles every dependency a handler may need. Nothing here owns
// anything else; all of it is constructed once in cmd/zeroclaw-cpd and
// shared by reference with the Supervisor Loop and Delivery Worker pool.
type Server struct {
	Reg       *registry.Registry
	Bus       *eventbus.Bus
	Router    *router.Router
	Secrets   *secretstore.Store
	Lifecycle Lifecycle
	StartedAt time.Time

	handler http.Handler
}

// NewServer builds the mux router and wraps it in the logging/metrics
// middleware chain. Call Handler to get the http.Handler to serve.
func NewServer(s *Server) *Server {
	s.StartedAt = time.Now()

	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/instances", s.handleCreateInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances", s.handleListInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}", s.handleGetInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}", s.handleDeleteInstance).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{name}/start", s.handleStartInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/stop", s.handleStopInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/restart", s.handleRestartInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/archive", s.handleArchiveInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/unarchive", s.handleUnarchiveInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/clone", s.handleCloneInstance).Methods(http.MethodPost)
	r.HandleFunc("/instances/{name}/messages", s.handleInstanceMessages).Methods(http.MethodGet)
	r.HandleFunc("/instances/{name}/secrets/{field}", s.handlePutInstanceSecret).Methods(http.MethodPut)

	r.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages", s.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages/dead-letter", s.handleDeadLetterMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", s.handleGetMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}/ack", s.handleAckMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/replay", s.handleReplayMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/events", s.handleMessageEvents).Methods(http.MethodGet)

	r.HandleFunc("/events/instances", s.handleInstanceEventStream).Methods(http.MethodGet)
	r.HandleFunc("/events/messages", s.handleMessageEventStream).Methods(http.MethodGet)

	s.handler = requestLoggingMiddleware(r)
	return s
}

// Handler returns the fully-wrapped http.Handler ready to serve.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	version, err := s.Reg.SchemaVersion()
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "registry unreachable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"schema_version":  version,
		"uptime_seconds":  int(time.Since(s.StartedAt).Seconds()),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLoggingMiddleware logs one structured line per request and records
// the request counter/duration series, matching the corpus's
// logging-wraps-metrics middleware shape but through zerolog/Prometheus
// instead of hand-rolled counters.
func requestLoggingMiddleware(next http.Handler) http.Handler {
	log := logging.WithComponent("httpapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		dur := time.Since(start)
		route := routeTemplate(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(dur.Seconds())

		ev := log.Info()
		if rec.status >= 500 {
			ev = log.Error()
		} else if rec.status >= 400 {
			ev = log.Warn()
		}
		ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).
			Dur("duration", dur).Msg("http request")
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
