package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/JakeFAU/plexrelay/internal/archive"
	"github.com/JakeFAU/plexrelay/internal/clock/system"
	"github.com/JakeFAU/plexrelay/internal/id/uuid"
	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/plex"
	"github.com/JakeFAU/plexrelay/internal/relay"
)

// Enqueuer accepts events for the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev relay.Event) error
}

// Check reports whether one dependency is ready.
type Check func(ctx context.Context) error

// Options wires the server to the rest of the relay.
//   - Queue, Translator: required.
//   - Validator: optional schema check for payloads.
//   - Archive: optional raw payload archive.
//   - APIKey: when set, /plex requires X-API-Key or ?api_key=.
//   - RequestsPerMinute: per-IP limit on /plex (0 disables).
//   - MaxBodyBytes: request body cap (defaults to 1 MiB).
//   - EnqueueTimeout: how long to wait for queue space (defaults to 2s).
//   - Checks: named readiness checks for /readyz.
type Options struct {
	Queue             Enqueuer
	Translator        *plex.Translator
	Validator         *plex.Validator
	Archive           *archive.Archive
	Metrics           *metrics.Metrics
	IDGen             relay.IDGenerator
	Clock             relay.Clock
	APIKey            string
	RequestsPerMinute int
	MaxBodyBytes      int64
	EnqueueTimeout    time.Duration
	Checks            map[string]Check
}

// Server wires HTTP handlers to the ingestion queue.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options, logger *zap.Logger) (*Server, error) {
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if opts.Translator == nil {
		return nil, errors.New("translator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.IDGen == nil {
		opts.IDGen = uuid.NewUUIDGenerator()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 2 * time.Second
	}
	s := &Server{opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(opts.Metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		if opts.RequestsPerMinute > 0 {
			r.Use(httprate.LimitByIP(opts.RequestsPerMinute, time.Minute))
		}
		r.Post("/plex", s.receivePlex)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		if err := s.opts.Checks[name](ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
