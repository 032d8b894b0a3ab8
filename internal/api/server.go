package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
	"github.com/mattjoyce/ansible-api/internal/events"
	"github.com/mattjoyce/ansible-api/internal/gateway"
	"github.com/mattjoyce/ansible-api/internal/history"
	"github.com/mattjoyce/ansible-api/internal/metrics"
)

// Service is the job gateway behind the HTTP surface.
type Service interface {
	RunCommand(ctx context.Context, req gateway.CommandRequest) (*gateway.Result, error)
	RunPlaybook(ctx context.Context, req gateway.PlaybookRequest) (*gateway.Result, error)
	ListFiles(ctx context.Context, typ, sig string) ([]string, error)
	ReadFile(ctx context.Context, typ, name, sig string) (string, error)
	WriteFile(ctx context.Context, typ, name, content, sig string) (bool, error)
	FileExists(ctx context.Context, typ, name, sig string) (bool, error)
	ParseVars(ctx context.Context, name, sig string) ([]string, error)
	JobStatus(ctx context.Context, id, sig string) (*history.Record, error)
	VerifyEvents(sig string) error
}

// StatsFunc reports worker pool occupancy for /healthz.
type StatsFunc func() map[string]dispatch.Stats

// Config holds API server configuration
type Config struct {
	Listen string
	// AllowIP restricts callers when non-empty.
	AllowIP []netip.Prefix
	// TrustedProxies may name the client in X-Forwarded-For or X-Real-IP.
	// Headers from any other peer are ignored.
	TrustedProxies []netip.Prefix
	CORSOrigins []string
	MaxBodySize int64
	// WriteTimeout bounds sync responses. Zero means no limit.
	WriteTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	service   Service
	stats     StatsFunc
	events    *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub and m may be nil to disable
// /events and /metrics.
func New(config Config, service Service, stats StatsFunc, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	if stats == nil {
		stats = func() map[string]dispatch.Stats { return nil }
	}
	return &Server{
		config:    config,
		service:   service,
		stats:     stats,
		events:    hub,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	if s.events != nil {
		s.server.RegisterOnShutdown(s.events.Close)
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.clientIPMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.allowIPMiddleware)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
			MaxAge:         86400,
		}).Handler)
	}
	r.Use(s.maxBodyMiddleware)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Get("/command", s.handleCommandGet)
	r.Post("/command", s.handleCommand)
	r.Post("/playbook", s.handlePlaybook)
	r.Get("/file_list", s.handleFileList)
	r.Get("/file_rw", s.handleFileRead)
	r.Post("/file_rw", s.handleFileWrite)
	r.Get("/file_exist", s.handleFileExist)
	r.Get("/vars_parse", s.handleVarsParse)
	r.Get("/job/{jobID}", s.handleGetJob)

	if s.events != nil {
		r.Get("/events", s.handleEvents)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

// loggingMiddleware logs HTTP requests and records their metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_ip", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, routePattern(r), status, elapsed)
		}
	})
}

// allowIPMiddleware rejects callers outside the configured allow-list.
func (s *Server) allowIPMiddleware(next http.Handler) http.Handler {
	if len(s.config.AllowIP) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := remoteHost(r.RemoteAddr)
		if !s.allowed(host) {
			s.logger.Warn("caller not in allow list", "remote_ip", host)
			respondJSON(w, http.StatusForbidden, ErrorResponse{
				Error: fmt.Sprintf("Your ip(%s) is forbidden", host),
				RC:    gateway.CodeSystem,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowed(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return containsAddr(s.config.AllowIP, addr)
}

// clientIPMiddleware sets RemoteAddr to the caller's address. Forwarding
// headers count only when the socket peer is a trusted proxy.
func (s *Server) clientIPMiddleware(next http.Handler) http.Handler {
	if len(s.config.TrustedProxies) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := s.forwardedClient(r); ip != "" {
			r.RemoteAddr = ip
		}
		next.ServeHTTP(w, r)
	})
}

// forwardedClient returns the nearest untrusted hop in X-Forwarded-For,
// falling back to X-Real-IP, or "" when the peer is not a trusted proxy.
func (s *Server) forwardedClient(r *http.Request) string {
	peer, err := netip.ParseAddr(remoteHost(r.RemoteAddr))
	if err != nil || !containsAddr(s.config.TrustedProxies, peer) {
		return ""
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return ""
		}
		if !containsAddr(s.config.TrustedProxies, addr) {
			return addr.Unmap().String()
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return ""
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	if s.config.MaxBodySize <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodySize)
		next.ServeHTTP(w, r)
	})
}

func remoteHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
