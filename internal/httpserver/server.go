// Package httpserver exposes the streaming session layer over HTTP: a
// websocket transport for interleaved streams, a chunked SSE transport for
// one-shot streams, and small JSON endpoints for usage, audit, health and
// metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/appforge/appforge-gateway/internal/audit"
	"github.com/appforge/appforge-gateway/internal/engine"
	"github.com/appforge/appforge-gateway/internal/health"
	"github.com/appforge/appforge-gateway/internal/hooks"
	"github.com/appforge/appforge-gateway/internal/ledger"
	"github.com/appforge/appforge-gateway/internal/metrics"
	"github.com/appforge/appforge-gateway/internal/quota"
	"github.com/appforge/appforge-gateway/internal/session"
	"github.com/appforge/appforge-gateway/internal/tenant"
)

// Options carries the dependencies the HTTP layer needs. Resolver and Engine
// are required; everything else is optional and degrades to a no-op.
type Options struct {
	Resolver      *tenant.Resolver
	Engine        engine.Engine
	Usage         *quota.Manager
	Audit         audit.Recorder
	Ledger        ledger.Store
	Hooks         *hooks.Dispatcher
	Metrics       *metrics.Collector
	Health        *health.Checker
	Logger        *log.Logger
	LogLevel      string
	EngineTimeout time.Duration
	WSReadLimit   int64
}

// Server exposes REST and streaming endpoints for the AppForge Gateway.
type Server struct {
	opts Options

	// chunked streams are one per request, so duplicate-chat detection
	// lives here instead of in a per-connection session.
	chunkedMu      sync.Mutex
	chunkedStreams map[int64]context.CancelFunc
}

// New constructs a Server with the required dependencies.
func New(opts Options) (*Server, error) {
	if opts.Resolver == nil {
		return nil, errors.New("httpserver requires a tenant resolver")
	}
	if opts.Engine == nil {
		return nil, errors.New("httpserver requires an engine")
	}
	if opts.WSReadLimit <= 0 {
		opts.WSReadLimit = 1 << 20
	}
	return &Server{
		opts:           opts,
		chunkedStreams: make(map[int64]context.CancelFunc),
	}, nil
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/chat/stream", s.handleChatStream)
		v1.Post("/chat/{chatID}/cancel", s.handleChatCancel)
		v1.Get("/usage", s.handleUsage)
		v1.Get("/audit", s.handleAudit)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// sessionOptions builds the per-connection session wiring from the server's
// shared dependencies.
func (s *Server) sessionOptions() session.Options {
	opts := session.Options{
		Resolver:      s.opts.Resolver,
		Engine:        s.opts.Engine,
		Audit:         s.opts.Audit,
		Ledger:        s.opts.Ledger,
		Hooks:         s.opts.Hooks,
		Metrics:       s.opts.Metrics,
		Logger:        s.opts.Logger,
		EngineTimeout: s.opts.EngineTimeout,
	}
	if s.opts.Usage != nil {
		opts.Usage = s.opts.Usage
	}
	return opts
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	orgID := strings.TrimSpace(r.URL.Query().Get("org"))
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace"))
	if orgID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("org query parameter required"))
		return
	}

	tctx, err := s.opts.Resolver.ResolveContext(r.Context(), bearerToken(r), orgID, workspaceID)
	if err != nil {
		s.respondScopeError(w, err)
		return
	}

	resp := map[string]any{"org": tctx.OrgID}
	if s.opts.Usage != nil && s.opts.Usage.IsEnabled() {
		resp["window"] = s.opts.Usage.Usage(tctx.OrgID)
	}
	if s.opts.Ledger != nil {
		summary, err := s.opts.Ledger.Summary(r.Context(), tctx.OrgID)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		resp["ledger"] = summary
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		s.respondError(w, http.StatusNotFound, errors.New("audit log not configured"))
		return
	}
	orgID := strings.TrimSpace(r.URL.Query().Get("org"))
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace"))
	if orgID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("org query parameter required"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	tctx, err := s.opts.Resolver.ResolveContext(r.Context(), bearerToken(r), orgID, workspaceID)
	if err != nil {
		s.respondScopeError(w, err)
		return
	}

	events, err := s.opts.Audit.ListRecent(r.Context(), tctx.OrgID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"org": tctx.OrgID, "events": events})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status := s.opts.Health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.opts.Metrics == nil {
		http.Error(w, "metrics not configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.opts.Metrics.GetSnapshot())))
}

// bearerToken extracts the access token from the Authorization header, with a
// query-parameter fallback for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondScopeError maps tenant scope failures onto their HTTP status.
func (s *Server) respondScopeError(w http.ResponseWriter, err error) {
	var scope *tenant.ScopeError
	if errors.As(err, &scope) {
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordScopeRejection()
		}
		s.respondError(w, scope.Status, err)
		return
	}
	s.respondError(w, http.StatusInternalServerError, err)
}

func (s *Server) isDebug() bool { return s.opts.LogLevel == "debug" }
func (s *Server) debugf(format string, args ...any) {
	if s.opts.Logger != nil && s.isDebug() {
		s.opts.Logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.opts.Logger != nil {
		s.opts.Logger.Printf(format, args...)
	}
}
