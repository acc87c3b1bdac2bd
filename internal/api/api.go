// Package api provides HTTP handlers and the main API server logic for MealPipe.
//
// It exposes RESTful endpoints for driving an onboarding conversation (create
// session, post message, select option, retry, progress) and webhook endpoints
// for the AI-backend-driven stage variant. All responses use the
// models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/MealPipe/internal/flow"
	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/BTreeMap/MealPipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultReadHeaderTimeout bounds slow-header clients.
const DefaultReadHeaderTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// SessionCache, when set, is attached to every orchestrator so sessions
	// survive process restarts.
	SessionCache store.SessionCache
	// EventBus, when set, receives stage-completion events from every
	// orchestrator.
	EventBus *flow.EventBus
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr overrides the default listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSessionCache attaches a resume cache to every session.
func WithSessionCache(cache store.SessionCache) Option {
	return func(o *Opts) { o.SessionCache = cache }
}

// WithEventBus attaches a stage-completion event bus to every session.
func WithEventBus(bus *flow.EventBus) Option {
	return func(o *Opts) { o.EventBus = bus }
}

// Server wires the HTTP handlers to the store, pipeline and progress relay.
// It owns the registry of live orchestrators, keyed by conversation id.
type Server struct {
	opts     Opts
	st       store.Store
	pipeline *flow.Pipeline
	relay    flow.Relay

	mu       sync.Mutex
	sessions map[string]*flow.Orchestrator

	httpSrv *http.Server
}

// NewServer creates an API server.
func NewServer(st store.Store, pipeline *flow.Pipeline, relay flow.Relay, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{
		opts:     o,
		st:       st,
		pipeline: pipeline,
		relay:    relay,
		sessions: make(map[string]*flow.Orchestrator),
	}
}

// Handler returns the route multiplexer. Exposed so tests can drive the
// server through httptest without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", s.createSessionHandler)
	mux.HandleFunc("/sessions/message", s.messageHandler)
	mux.HandleFunc("/sessions/option", s.selectOptionHandler)
	mux.HandleFunc("/sessions/retry", s.retryHandler)
	mux.HandleFunc("/sessions/status", s.statusHandler)
	mux.HandleFunc("/sessions/progress", s.progressHandler)
	mux.HandleFunc("/webhooks/run-completed", s.runCompletedHandler)
	mux.HandleFunc("/webhooks/tool-call", s.toolCallHandler)
	return mux
}

// Run starts the HTTP server and blocks until the listener fails or the
// server is shut down.
func (s *Server) Run() error {
	s.httpSrv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Info("Server.Run: MealPipe API listening", "addr", s.opts.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping API server")
	return s.httpSrv.Shutdown(ctx)
}

// orchestrator looks up the live orchestrator for a conversation.
func (s *Server) orchestrator(conversationID string) (*flow.Orchestrator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.sessions[conversationID]
	return o, ok
}

// register adds an orchestrator to the registry. It fails if the conversation
// already has one.
func (s *Server) register(conversationID string, o *flow.Orchestrator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[conversationID]; exists {
		return fmt.Errorf("conversation %s already has an active session", conversationID)
	}
	s.sessions[conversationID] = o
	return nil
}

// cachedSession consults the resume cache for a conversation's last recorded
// position. Cache misses and lookup failures both degrade to a fresh session.
func (s *Server) cachedSession(ctx context.Context, conversationID string) *models.ConversationSession {
	if s.opts.SessionCache == nil {
		return nil
	}
	cached, err := s.opts.SessionCache.Get(ctx, conversationID)
	if err != nil {
		slog.Warn("Server.cachedSession: cache lookup failed", "error", err, "conversationID", conversationID)
		return nil
	}
	return cached
}

// orchestratorOptions builds the per-session options from server config.
func (s *Server) orchestratorOptions() []flow.OrchestratorOption {
	var opts []flow.OrchestratorOption
	if s.opts.EventBus != nil {
		opts = append(opts, flow.WithEventBus(s.opts.EventBus))
	}
	if s.opts.SessionCache != nil {
		opts = append(opts, flow.WithSessionCache(s.opts.SessionCache))
	}
	return opts
}

// sessionErrorStatus maps orchestrator errors to HTTP status codes. State
// conflicts (no collector yet, finalized, generation in flight) are 409;
// missing-user preconditions are 422; everything else is an internal error.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrNoActiveCollector),
		errors.Is(err, models.ErrSessionFinalized),
		errors.Is(err, models.ErrCollectorNotAccepting),
		errors.Is(err, models.ErrGenerationInFlight):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoActiveUser):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
