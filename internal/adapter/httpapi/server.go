package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nexa/internal/domain"
	"nexa/internal/infra/config"
	"nexa/internal/infra/logger"
	"nexa/internal/infra/metrics"
	"nexa/internal/infra/middleware"
	"nexa/internal/usecase"
)

const maxRequestBody = 1 << 20

// TurnRunner is the caller-facing operation served over HTTP.
type TurnRunner interface {
	Ask(ctx context.Context, req usecase.AskRequest, sink usecase.TurnSink) (*usecase.TurnOutcome, error)
	History(ctx context.Context, sessionID, userID string) (*domain.SessionHistory, error)
	Sessions(ctx context.Context, userID string) ([]domain.SessionSummary, error)
}

// Deps holds injected dependencies for the Server.
type Deps struct {
	Turns   TurnRunner
	Config  config.ServerConfig
	Metrics *metrics.Metrics
	// MetricsPath mounts the Prometheus handler; empty disables it.
	MetricsPath string
	Logger      *slog.Logger
}

// Server exposes turns over HTTP and WebSocket.
type Server struct {
	deps      Deps
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewServer creates a Server. Call Start to begin listening.
func NewServer(deps Deps) *Server {
	if deps.Config.TenantHeader == "" {
		deps.Config.TenantHeader = "X-Tenant-ID"
	}
	if deps.Config.UserHeader == "" {
		deps.Config.UserHeader = "X-User-ID"
	}
	return &Server{deps: deps, logger: logger.OrDiscard(deps.Logger)}
}

// Routes builds the router. ctx bounds the rate limiter's cleanup goroutine.
func (s *Server) Routes(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Use(middleware.SecurityHeaders)
	if rl := s.deps.Config.RateLimit; rl.Enabled {
		r.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: rl.RequestsPerSecond,
			Burst:             rl.Burst,
			TrustedProxies:    rl.TrustedProxies,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.MetricsPath != "" {
		r.Handle(s.deps.MetricsPath, s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity(s.deps.Config.TenantHeader, s.deps.Config.UserHeader))
		r.Post("/v1/ask", s.handleAsk)
		r.Get("/v1/ws", s.handleWS)
		r.Get("/v1/sessions", s.handleSessions)
		r.Get("/v1/sessions/{id}/history", s.handleHistory)
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.deps.Config.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listen %s: %w", s.deps.Config.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	readHeader := s.deps.Config.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 10 * time.Second
	}
	s.httpSrv = &http.Server{
		Handler:           s.Routes(ctx),
		ReadHeaderTimeout: readHeader,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		s.logger.Info("http server started", "addr", s.boundAddr)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		defer s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// BoundAddr returns the address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// statusFor maps a rejection to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrIdentityMissing):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrSessionForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError sends a JSON rejection. Internal errors are logged, not echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(domain.ErrorCodeOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func identity(r *http.Request) domain.Identity {
	id, _ := domain.IdentityFromContext(r.Context())
	return id
}
