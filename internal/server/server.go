// Package server provides the crab daemon's HTTP surface: the client
// protocol consumed by the crabsh wrapper, the read API behind the
// dashboard, the admin endpoints, and the optional syndication feed.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manugarri/crab/internal/monitor"
	"github.com/manugarri/crab/internal/store"
)

// requestTimeout bounds every request so the client API never hangs.
const requestTimeout = 30 * time.Second

// StatusProvider exposes the monitor's status cache. Snapshot must return
// a copy the caller may use freely.
type StatusProvider interface {
	Snapshot() monitor.Snapshot
}

// Server holds the dependencies needed by the HTTP handlers.
type Server struct {
	store   store.Store
	status  StatusProvider
	rules   *ruleHooks
	logger  *slog.Logger
	baseURL string
	tz      *time.Location
}

// ruleHooks decouples the server from the notify package: the daemon wires
// the engine's validate/reload here.
type ruleHooks struct {
	validate func([]store.Rule) error
	reload   func()
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithStatus attaches the monitor snapshot provider. Without it the
// status endpoint derives job states freshly from the Store.
func WithStatus(sp StatusProvider) Option {
	return func(s *Server) { s.status = sp }
}

// WithRuleHooks attaches the notification engine's rule validation and the
// reload trigger invoked after a successful rule replace.
func WithRuleHooks(validate func([]store.Rule) error, reload func()) Option {
	return func(s *Server) { s.rules = &ruleHooks{validate: validate, reload: reload} }
}

// WithFeed enables the syndication feed, with links rooted at baseURL.
// Without it the feed endpoint returns 404.
func WithFeed(baseURL string) Option {
	return func(s *Server) { s.baseURL = baseURL }
}

// WithTimezone sets the display timezone for the feed; defaults to UTC.
func WithTimezone(loc *time.Location) Option {
	return func(s *Server) { s.tz = loc }
}

// New creates a Server over st.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		logger: logger.With(slog.String("component", "server")),
		tz:     time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the configured chi.Router.
//
// Route layout:
//
//	GET  /healthz                          – liveness probe
//	PUT  /api/0/crab/{host}[/{crabid}]         – register
//	PUT  /api/0/crab/{host}[/{crabid}]/start   – log START
//	PUT  /api/0/crab/{host}[/{crabid}]/finish  – log FINISH
//	GET  /api/0/crab/{host}[/{crabid}]         – wrapper-facing status
//	GET  /api/0/jobs                       – job list
//	GET  /api/0/job/{jobID}                – job info, state, recent events
//	GET  /api/0/job/{jobID}/output/{eventID} – raw event payload
//	GET  /api/0/status                     – monitor snapshot
//	GET  /api/0/notifications              – notification rules
//	PUT  /api/0/notifications              – replace notification rules
//	PUT  /api/0/config/{jobID}             – set schedule/grace/timeout
//	DELETE /api/0/job/{jobID}              – retire a registration
//	PUT  /api/0/inhibit/{host}/{crabid}    – inhibit a job
//	DELETE /api/0/inhibit/{host}/{crabid}  – clear inhibition
//	GET  /feed                             – RSS feed (404 when disabled)
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api/0", func(r chi.Router) {
		// Wrapper protocol. The static start/finish segments are
		// registered before the {crabid} wildcard so a crabid can never
		// shadow them.
		r.Put("/crab/{host}/start", s.handleStart)
		r.Put("/crab/{host}/finish", s.handleFinish)
		r.Put("/crab/{host}/{crabid}/start", s.handleStart)
		r.Put("/crab/{host}/{crabid}/finish", s.handleFinish)
		r.Put("/crab/{host}", s.handleRegister)
		r.Put("/crab/{host}/{crabid}", s.handleRegister)
		r.Get("/crab/{host}", s.handleCrabStatus)
		r.Get("/crab/{host}/{crabid}", s.handleCrabStatus)

		// Read API.
		r.Get("/jobs", s.handleGetJobs)
		r.Get("/job/{jobID}", s.handleGetJob)
		r.Get("/job/{jobID}/output/{eventID}", s.handleGetOutput)
		r.Get("/status", s.handleGetStatus)

		// Admin.
		r.Get("/notifications", s.handleGetNotifications)
		r.Put("/notifications", s.handleSetNotifications)
		r.Put("/config/{jobID}", s.handleSetConfig)
		r.Delete("/job/{jobID}", s.handleRetireJob)
		r.Put("/inhibit/{host}/{crabid}", s.handleInhibit(true))
		r.Delete("/inhibit/{host}/{crabid}", s.handleInhibit(false))
	})

	r.Get("/feed", s.handleFeed)

	return r
}

// handleHealthz responds to GET /healthz with HTTP 200 so supervisors can
// verify liveness without touching the Store.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the protocol error envelope {status, message}.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}
