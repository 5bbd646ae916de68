// Package server is gpuwarden's long-running mode.  It accepts jobs over
// HTTP, runs them one at a time on the instance, dead-letters jobs that
// exhaust their attempts and stops the instance when it goes idle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/gpuwarden/internal/dispatch"
	"github.com/terrpan/gpuwarden/internal/health"
	"github.com/terrpan/gpuwarden/internal/reaper"
	"github.com/terrpan/gpuwarden/internal/recovery"
	"github.com/terrpan/gpuwarden/internal/store"
)

// Dispatcher runs a single job attempt.
type Dispatcher interface {
	Run(ctx context.Context, job dispatch.Job) (dispatch.Outcome, error)
}

// Reaper stops the instance when it has been idle long enough.
type Reaper interface {
	MaybeStop(ctx context.Context) (reaper.Decision, error)
}

// Recoverer compensates the user of a failed job.
type Recoverer interface {
	Recover(ctx context.Context, jobID string) (recovery.Result, error)
}

// Config holds serve-mode settings.
type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string

	// QueueSize bounds the number of accepted jobs waiting for the worker.
	QueueSize int

	// MaxAttempts is the number of dispatch attempts per job, including
	// the first one.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the exponential wait between
	// attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// DefaultTTL is the lease lifetime for requests without ttlSeconds.
	DefaultTTL time.Duration

	// ReapInterval is the period of the idle check.  Zero disables it.
	ReapInterval time.Duration

	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	// Engine and Store are reported by /healthz.
	Engine string
	Store  string
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 15 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Deps are the collaborators of a Server.  Reaper, Recoverer and Metrics
// are optional.
type Deps struct {
	Leases     store.LeaseStore
	Dispatcher Dispatcher
	Reaper     Reaper
	Recoverer  Recoverer
	Metrics    http.Handler
}

// Server owns the job queue, the worker and the reaper ticker.
type Server struct {
	cfg    Config
	deps   Deps
	queue  chan dispatch.Job
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inFlight string
	lastReap time.Time

	deadLettered metric.Int64Counter
}

// Compile-time check that Server reports to /healthz.
var _ health.Source = (*Server)(nil)

// New creates a Server.  Nothing runs until Serve.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		queue:  make(chan dispatch.Job, cfg.QueueSize),
		logger: logger.WithGroup("server"),
		now:    time.Now,
	}

	var err error
	s.deadLettered, err = otel.Meter("gpuwarden/server").Int64Counter(
		"gpuwarden.jobs.dead_lettered",
		metric.WithDescription("Jobs that failed every dispatch attempt"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create dead letter counter", slog.String("error", err.Error()))
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.Handler(s.cfg.Engine, s.cfg.Store, s))
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Post("/jobs", s.submitJob)
	return r
}

// Snapshot implements health.Source.
func (s *Server) Snapshot() health.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return health.Snapshot{
		QueueDepth:    len(s.queue),
		QueueCapacity: cap(s.queue),
		InFlightJob:   s.inFlight,
		LastReap:      s.lastReap,
	}
}

// Run listens on Config.Addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts HTTP requests on ln and runs the worker and the reaper
// ticker until ctx is done or the HTTP server fails.  A job running at
// shutdown is interrupted; queued jobs keep their leases and are dropped.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.work(runCtx)
	}()
	go func() {
		defer wg.Done()
		s.reapLoop(runCtx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		s.logger.Error("http server failed", slog.String("error", serveErr.Error()))
	}

	s.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", slog.String("error", err.Error()))
	}

	cancel()
	wg.Wait()
	s.drop()

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// logRequests logs every HTTP request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
		next.ServeHTTP(w, r)
	})
}
