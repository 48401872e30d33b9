package maintd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/maintd/api"
	"pkt.systems/maintd/internal/clock"
	"pkt.systems/maintd/internal/httpapi"
	"pkt.systems/maintd/internal/statestore"
	"pkt.systems/maintd/internal/storage"
	loggingbackend "pkt.systems/maintd/internal/storage/logging"
	"pkt.systems/maintd/internal/storage/retry"
	"pkt.systems/maintd/internal/svcfields"
)

const (
	readHeaderTimeout = 10 * time.Second
	telemetryTimeout  = 5 * time.Second
)

// Server wraps the HTTP server, storage backend, and background sweeper.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	owned     bool
	store     *statestore.Store
	handler   *httpapi.Handler
	httpSrv   *http.Server
	clock     clock.Clock
	telemetry *telemetry

	lastActivity atomic.Int64

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	sweeperStop  chan struct{}
	sweeperDone  sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend. The caller keeps ownership; the
// server does not close it.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a server with the provided configuration.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svcfields.EnsureLogger(o.Logger)
	serverClock := clock.OrReal(o.Clock)
	ctx := context.Background()

	tel, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	shutdownTelemetry := func() {
		if tel == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}

	backend := o.Backend
	owned := false
	if backend == nil {
		backend, err = openBackend(ctx, cfg)
		if err != nil {
			shutdownTelemetry()
			return nil, err
		}
		owned = true
	}
	backend = wrapBackend(backend, cfg, logger, serverClock)
	closeBackend := func() {
		if owned {
			_ = backend.Close()
		}
	}

	store, err := statestore.New(statestore.Config{
		Backend:     backend,
		Clock:       serverClock,
		Logger:      logger,
		MaxLease:    cfg.MaxLease,
		CASAttempts: cfg.CASAttempts,
	})
	if err != nil {
		closeBackend()
		shutdownTelemetry()
		return nil, err
	}
	if err := store.Bootstrap(ctx); err != nil {
		closeBackend()
		shutdownTelemetry()
		return nil, fmt.Errorf("bootstrap state: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server.lifecycle"),
		backend:   backend,
		owned:     owned,
		store:     store,
		clock:     serverClock,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}
	s.handler = httpapi.New(httpapi.Config{
		Store:         store,
		Logger:        logger,
		JSONMaxBytes:  cfg.JSONMaxBytes,
		EnableTracing: cfg.HTTPTracing,
		ActivityHook:  s.touch,
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(errorLogWriter{logger: svcfields.WithSubsystem(logger, "server.http")}, "", 0),
	}
	return s, nil
}

// wrapBackend adds call logging and retries of transient failures.
func wrapBackend(backend storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Backend {
	storageLogger := svcfields.WithSubsystem(logger, "storage")
	backend = loggingbackend.Wrap(backend, storageLogger, "storage.backend")
	return retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

// Handler exposes the HTTP handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Store exposes the authoritative state store.
func (s *Server) Store() *statestore.Store {
	return s.store
}

// LastActivity reports when the last API request arrived (zero if none).
func (s *Server) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *Server) touch() {
	s.lastActivity.Store(s.clock.Now().UnixNano())
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "address", ln.Addr().String(), "store", redactStore(s.cfg.Store))
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops the HTTP server, the sweeper, the backend, and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.stopSweeper()
	if s.owned {
		if err := s.backend.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), telemetryTimeout)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	s.logger.Info("server.shutdown.complete")
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts the server down without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address once Start has run.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// URL returns http://<listener address> once Start has run.
func (s *Server) URL() string {
	addr := s.ListenerAddr()
	if addr == nil {
		return ""
	}
	host := addr.String()
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.IP.IsUnspecified() {
		host = net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
	}
	return "http://" + host
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.sweepOnce(context.Background())
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

// sweepOnce reverts an expired lease. It reports whether a revert happened.
func (s *Server) sweepOnce(ctx context.Context) (api.State, bool) {
	state, reverted, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn("server.sweeper.failed", "error", err)
		return api.State{}, false
	}
	return state, reverted
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve exited with, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and waits until it listens.
// The returned stop function shuts it down; cancelling ctx does the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = http.ErrServerClosed
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// errorLogWriter forwards net/http's internal error log to pslog.
type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "error", strings.TrimSpace(string(p)))
	return len(p), nil
}

// redactStore drops credentials a store URL might carry in userinfo or query.
func redactStore(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User("redacted")
	}
	u.RawQuery = ""
	return u.String()
}
