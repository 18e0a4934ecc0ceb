// Package server assembles the storage backend, the resource manager and
// the HTTP server from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/apimanager/internal/config"
	"github.com/conduit-lang/apimanager/internal/metrics"
	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/storage"
	"github.com/conduit-lang/apimanager/internal/storage/mongostore"
	"github.com/conduit-lang/apimanager/internal/storage/sqlstore"
	"github.com/conduit-lang/apimanager/pkg/apimanager"
)

// ShutdownHook is a function called during graceful shutdown
type ShutdownHook func(ctx context.Context) error

// Server serves every configured resource
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      storage.Store
	ownsStore  bool
	manager    *apimanager.Manager
	metrics    *metrics.Collector
	httpServer *http.Server
	customize  func(*apimanager.APIOptions)

	mu            sync.Mutex
	shutdownHooks []ShutdownHook
	shutdownOnce  sync.Once
	shutdownErr   error
}

// Option configures a Server
type Option func(*Server)

// WithStore uses an already open store instead of the configured database.
// The caller keeps ownership of it.
func WithStore(store storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithAPIOptions lets callers attach hooks or override the options of each
// configured resource before it is mounted
func WithAPIOptions(fn func(*apimanager.APIOptions)) Option {
	return func(s *Server) { s.customize = fn }
}

// New opens storage and mounts every configured resource
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, logger: logger, metrics: metrics.NewCollector()}
	for _, opt := range opts {
		opt(s)
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to build resources: %w", err)
	}

	if s.store == nil {
		s.store, err = OpenStore(ctx, cfg.Database, registry, logger)
		if err != nil {
			return nil, err
		}
		s.ownsStore = true
	}

	s.manager, err = apimanager.NewManager(s.store,
		apimanager.WithRegistry(registry),
		apimanager.WithLogger(logger),
		apimanager.WithObserver(s.metrics),
		apimanager.WithLegacyStatusCodes(cfg.Compat.LegacyStatusCodes),
		apimanager.WithHookWorkers(cfg.Hooks.Workers, cfg.Hooks.Buffer),
	)
	if err != nil {
		s.closeStore()
		return nil, err
	}

	for _, rc := range cfg.Resources {
		res, _ := registry.Get(rc.Name)
		opts := apimanager.APIOptions{
			Resource:  res,
			Methods:   rc.AllowedMethods(),
			URLPrefix: cfg.Server.APIPrefix,
		}
		if s.customize != nil {
			s.customize(&opts)
		}
		if err := s.manager.CreateAPI(opts); err != nil {
			s.manager.Close()
			s.closeStore()
			return nil, err
		}
	}
	if cfg.Server.MetricsPath != "" {
		s.manager.Handle(cfg.Server.MetricsPath, s.metrics.Handler())
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           s.manager,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// OpenStore connects to the configured database
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, targets query.TargetResolver, logger *zap.Logger) (storage.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IsMongo() {
		store, err := mongostore.Open(ctx, cfg.URL, cfg.Name, uint64(cfg.MaxOpenConns), targets, mongostore.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open mongodb: %w", err)
		}
		return store, nil
	}

	store, err := sqlstore.Open(cfg.Driver, cfg.URL, targets,
		sqlstore.WithLogger(logger),
		sqlstore.WithTxTimeout(cfg.TxTimeout),
	)
	if err != nil {
		return nil, err
	}
	db := store.DB()
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return store, nil
}

// Handler returns the routed resources
func (s *Server) Handler() http.Handler {
	return s.manager
}

// Manager returns the resource manager
func (s *Server) Manager() *apimanager.Manager {
	return s.manager
}

// RegisterHook registers a shutdown hook run before the store is closed
func (s *Server) RegisterHook(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownHooks = append(s.shutdownHooks, hook)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server started", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err, ok := <-errCh:
		if ok {
			s.Shutdown(context.Background())
			return err
		}
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, runs the shutdown hooks, drains
// asynchronous hooks and closes the store it opened
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		hooks := append([]ShutdownHook(nil), s.shutdownHooks...)
		s.mu.Unlock()
		for i, hook := range hooks {
			if err := hook(ctx); err != nil {
				s.logger.Warn("shutdown hook failed", zap.Int("hook", i), zap.Error(err))
			}
		}

		s.manager.Close()
		s.closeStore()
		s.logger.Info("server stopped")
	})
	return s.shutdownErr
}

func (s *Server) closeStore() {
	if !s.ownsStore {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close store", zap.Error(err))
	}
}
