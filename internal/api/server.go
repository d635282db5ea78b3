package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrolldepth/internal/broadcast"
	"github.com/JakeFAU/scrolldepth/internal/config"
	"github.com/JakeFAU/scrolldepth/internal/ratelimit"
	"github.com/JakeFAU/scrolldepth/internal/session"
	"github.com/JakeFAU/scrolldepth/internal/store"
	"github.com/JakeFAU/scrolldepth/internal/telemetry"
)

// Subscriber hands out live broadcast feeds; *broadcast.Hub satisfies it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan broadcast.Event, func())
}

// ReadyCheck reports whether a downstream dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Deps collects the collaborators the HTTP layer needs.
type Deps struct {
	Sessions *session.Registry
	Stream   Subscriber
	Repo     store.MilestoneRepository
	Ready    map[string]ReadyCheck
	Config   config.Config
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the session registry and stores.
type Server struct {
	router   chi.Router
	sessions *session.Registry
	stream   Subscriber
	repo     store.MilestoneRepository
	ready    map[string]ReadyCheck
	limiter  *ratelimit.Limiter
	cfg      config.Config
	logger   *zap.Logger
}

const (
	defaultRequestTimeout = 15 * time.Second
	readyTimeout          = 2 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions: deps.Sessions,
		stream:   deps.Stream,
		repo:     deps.Repo,
		ready:    deps.Ready,
		limiter: ratelimit.New(ratelimit.Config{
			Scope:   "samples",
			RPS:     deps.Config.Server.SampleRPS,
			Burst:   deps.Config.Server.SampleBurst,
			IdleTTL: deps.Config.Session.IdleTTL,
		}),
		cfg:    deps.Config,
		logger: logger,
	}
	timeout := deps.Config.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.Config.Auth.Enabled {
			r.Use(apiKeyMiddleware(deps.Config.Auth.APIKey))
		}
		r.Get("/stream", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.listSessions)
				r.Post("/", s.createSession)
				r.Route("/{session_id}", func(r chi.Router) {
					r.Get("/", s.getSession)
					r.Delete("/", s.closeSession)
					r.Post("/samples", s.postSample)
					r.Get("/milestones", s.listMilestones)
				})
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
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
