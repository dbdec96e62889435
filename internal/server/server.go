// Package server provides the tubewatch HTTP API.
//
// Routes:
//
//	GET  /api/stats    sample stream (JSON lines or length-delimited protobuf)
//	POST /api/action   admin command against a tube
//	GET  /api/status   sampler, history and config summary
//	GET  /api/export   parquet snapshot of the history
//	GET  /metrics      prometheus exposition
//	GET  /healthz      liveness
package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/tubewatch/config"
	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/export"
	"github.com/xtxerr/tubewatch/internal/history"
	"github.com/xtxerr/tubewatch/internal/loader"
	"github.com/xtxerr/tubewatch/internal/logging"
	"github.com/xtxerr/tubewatch/internal/metrics"
	"github.com/xtxerr/tubewatch/internal/sampler"
)

var log = logging.Component("server")

// =============================================================================
// Collaborators
// =============================================================================

// ActionRunner executes admin actions.
type ActionRunner interface {
	Execute(ctx context.Context, act broker.Action) (int, error)
}

// StatusProvider reports sampler status.
type StatusProvider interface {
	Status() sampler.Status
}

// =============================================================================
// Options
// =============================================================================

// Options configures a Server.
type Options struct {
	Status            StatusProvider
	Exporter          *export.Exporter
	Metrics           *metrics.Metrics
	Gatherer          prometheus.Gatherer
	Summary           loader.Summary
	MaxStreamDuration time.Duration
	MaxActionBody     int64
}

func defaultOptions() *Options {
	return &Options{
		MaxStreamDuration: config.DefaultMaxStreamDuration,
		MaxActionBody:     config.DefaultMaxActionBody,
	}
}

// Option configures a Server.
type Option func(*Options)

// WithStatus reports sampler status on /api/status.
func WithStatus(p StatusProvider) Option {
	return func(o *Options) { o.Status = p }
}

// WithExporter serves /api/export.
func WithExporter(e *export.Exporter) Option {
	return func(o *Options) { o.Exporter = e }
}

// WithMetrics records request metrics and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(o *Options) {
		o.Metrics = m
		o.Gatherer = g
	}
}

// WithSummary reports the config summary on /api/status.
func WithSummary(s loader.Summary) Option {
	return func(o *Options) { o.Summary = s }
}

// WithMaxStreamDuration caps the duration parameter of /api/stats.
func WithMaxStreamDuration(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxStreamDuration = d
		}
	}
}

// WithMaxActionBody limits the size of an action request.
func WithMaxActionBody(n int64) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxActionBody = n
		}
	}
}

// =============================================================================
// Server
// =============================================================================

// Server serves the tubewatch API.
type Server struct {
	router *mux.Router
	hist   *history.History
	admin  ActionRunner
	cfg    *Options

	requestID atomic.Uint64
}

// New creates a Server reading from h and sending actions to admin.
func New(h *history.History, admin ActionRunner, opts ...Option) *Server {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &Server{
		router: mux.NewRouter(),
		hist:   h,
		admin:  admin,
		cfg:    options,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.logRequests)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/action", s.handleAction).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.cfg.Exporter != nil {
		api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	}

	if s.cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// Open streams are cancelled at once; other requests get shutdownTimeout
// to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("http server shutting down")
	cancelStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("http server stopped")
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

// statusRecorder captures the response status. Unwrap keeps
// http.ResponseController working for streaming handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.requestID.Add(1)
		ctx := logging.ContextWithRequestID(r.Context(), id)
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		logging.WithContext(ctx, log).Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
