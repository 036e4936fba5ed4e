// Package server wires the counting service into a chi router and runs the
// HTTP listener.
//
// Middleware order, outermost first:
//
//	wrapper (canonical log line, request id, SLOs, panic recovery)
//	secure headers
//	CORS
//	rate limit      (not applied to /health and /metrics)
//	identity
//	bind
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"

	"github.com/nhalm/badgecount/bind"
	"github.com/nhalm/badgecount/config"
	"github.com/nhalm/badgecount/counter"
	"github.com/nhalm/badgecount/identity"
	"github.com/nhalm/badgecount/metrics"
	"github.com/nhalm/badgecount/ratelimit"
	rlstore "github.com/nhalm/badgecount/ratelimit/store"
	"github.com/nhalm/badgecount/slo"
	"github.com/nhalm/badgecount/wrapper"
)

// Server serves the badge API.
type Server struct {
	cfg      config.Config
	svc      *counter.Service
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	limits   rlstore.Store
	ownsLims bool
	logger   *slog.Logger
	now      func() time.Time
	started  time.Time
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request metrics in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithRateLimitStore sets the backend for per-client request counters.
// Without it the server uses an in-process store when rate limiting is enabled.
func WithRateLimitStore(st rlstore.Store) Option {
	return func(s *Server) {
		s.limits = st
	}
}

// WithLogger sets the logger for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used by /health.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds the router. The caller owns svc and any rate limit store passed
// with WithRateLimitStore.
func New(cfg config.Config, svc *counter.Service, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()

	if cfg.RateLimit.Enabled && s.limits == nil {
		s.limits = rlstore.NewMemory()
		s.ownsLims = true
	}

	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) identityOptions() []identity.Option {
	if s.cfg.Server.TrustProxyHeaders {
		return nil
	}
	return []identity.Option{identity.WithoutProxyHeaders()}
}

func (s *Server) routes() http.Handler {
	idOpts := s.identityOptions()
	r := chi.NewRouter()

	r.Use(wrapper.New(
		wrapper.WithCanonlog(),
		wrapper.WithRequestID(),
		wrapper.WithSLOs(),
		wrapper.WithObserver(s.metrics.ObserveRequest),
		wrapper.WithCanonlogFields(func(r *http.Request) map[string]any {
			return map[string]any{"client_hash": identity.FromRequest(r, idOpts...).Hash}
		}),
	))
	r.Use(secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "no-referrer",
	}).Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", wrapper.RequestIDHeader},
		ExposedHeaders: []string{
			wrapper.RequestIDHeader,
			"RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After",
		},
		MaxAge: 300,
	}))

	r.NotFound(wrapper.NotFound)
	r.MethodNotAllowed(wrapper.MethodNotAllowed)

	r.With(slo.Track(slo.Health)).Get("/health", s.health)
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit.Enabled {
			// Validate rejects unknown modes; anything left falls back to always.
			mode, _ := ratelimit.ParseHeaderMode(s.cfg.RateLimit.Headers)
			limiter := ratelimit.New(s.limits, s.cfg.RateLimit.Limit, s.cfg.RateLimit.Window,
				ratelimit.WithClientIP(idOpts...),
				ratelimit.WithName("api"),
				ratelimit.WithHeaderMode(mode),
				ratelimit.WithOnLimited(func(*http.Request) { s.metrics.RecordRateLimited() }),
			)
			r.Use(limiter.Handler)
		}
		r.Use(identity.Middleware(idOpts...))
		r.Use(bind.New(bind.WithFormatter(formatMessage)))

		r.With(slo.Track(slo.Visit)).Get("/counter", s.counter)
		r.With(slo.Track(slo.Visit)).Get("/badge", s.badge)
		r.With(slo.Track(slo.Read)).Get("/count/{project}", s.count)
		r.With(slo.Track(slo.Admin)).Post("/reset/{project}", s.reset)
		r.With(slo.Track(slo.Read)).Get("/stats", s.stats)
	})

	return r
}

// Close releases the rate limit store if the server created it.
func (s *Server) Close() error {
	if s.ownsLims {
		return s.limits.Close()
	}
	return nil
}

// Run serves on cfg.Server.Addr until ctx is done, then shuts down within
// the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down", "timeout", s.cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
