// Package apimanager exposes resources as REST collections.
//
// A Manager owns the resource registry, the HTTP router and the worker
// pool used by asynchronous hooks. Each CreateAPI call registers one
// resource with its hooks and mounts its routes:
//
//	m := apimanager.New(store, apimanager.WithLogger(logger))
//	defer m.Close()
//	err := m.CreateAPI(apimanager.APIOptions{
//		Resource: person,
//		Methods:  []string{"GET", "POST", "PATCH", "DELETE"},
//		Preprocess: map[string][]hooks.Hook{
//			"post": {hooks.Sync(checkOwner)},
//		},
//	})
//	http.ListenAndServe(":5000", m)
package apimanager

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-lang/apimanager/internal/orm/crud"
	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/storage"
	"github.com/conduit-lang/apimanager/internal/web/middleware"
	"github.com/conduit-lang/apimanager/internal/web/router"
)

// DefaultURLPrefix is used when APIOptions.URLPrefix is empty
const DefaultURLPrefix = "/api"

// ReadOnlyMethods are routed when APIOptions.Methods is empty
var ReadOnlyMethods = []string{http.MethodGet}

// ErrMissingResource is returned by CreateAPI without a resource
var ErrMissingResource = errors.New("collection name is not valid")

// Hooks maps event names such as "GET_MANY" or "patch_single" to hooks
type Hooks map[string][]hooks.Hook

// APIOptions describes one exposed collection
type APIOptions struct {
	Resource *schema.Resource
	// Methods lists the allowed HTTP methods
	Methods   []string
	URLPrefix string

	Preprocess  Hooks
	Postprocess Hooks
}

// Manager registers resources and serves their routes
type Manager struct {
	store    storage.Store
	registry *schema.Registry
	router   *router.Router
	logger   *zap.Logger
	observer crud.Observer
	policy   crud.StatusPolicy
	queue    *hooks.AsyncQueue

	universal *hooks.Set
	uniPre    Hooks
	uniPost   Hooks

	mu        sync.Mutex
	validated bool
	closeOnce sync.Once

	workers, buffer int
	middleware      []middleware.Middleware
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger shared by every component
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRegistry registers resources into an existing registry, e.g. one
// built from configuration that also holds relation targets
func WithRegistry(reg *schema.Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// WithObserver receives the outcome of every operation
func WithObserver(obs crud.Observer) Option {
	return func(m *Manager) { m.observer = obs }
}

// WithLegacyStatusCodes reports every non-hook failure as 520
func WithLegacyStatusCodes(legacy bool) Option {
	return func(m *Manager) {
		if legacy {
			m.policy = crud.LegacyStatus
		} else {
			m.policy = crud.DistinctStatus
		}
	}
}

// WithUniversalHooks adds hooks that run before the hooks of every
// resource in their phase
func WithUniversalHooks(pre, post Hooks) Option {
	return func(m *Manager) {
		m.uniPre = pre
		m.uniPost = post
	}
}

// WithHookWorkers sizes the pool returned by Queue
func WithHookWorkers(workers, buffer int) Option {
	return func(m *Manager) {
		m.workers = workers
		m.buffer = buffer
	}
}

// WithMiddleware appends middleware after the default request ID,
// recovery and access log middleware
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(m *Manager) { m.middleware = append(m.middleware, mw...) }
}

// New creates a manager over store. It panics if universal hooks name an
// unknown event.
func New(store storage.Store, opts ...Option) *Manager {
	m, err := NewManager(store, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// NewManager is like New but reports invalid universal hooks as an error
func NewManager(store storage.Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = schema.NewRegistry()
	}

	universal, err := buildHooks(m.uniPre, m.uniPost)
	if err != nil {
		return nil, fmt.Errorf("universal hooks: %w", err)
	}
	m.universal = universal

	status := http.StatusInternalServerError
	if m.policy == crud.LegacyStatus {
		status = crud.LegacyStatusCode
	}
	m.router = router.NewRouter(router.WithLogger(m.logger), router.WithStatusPolicy(m.policy))
	m.router.Use(
		middleware.RequestID(),
		middleware.RecoveryWithConfig(middleware.RecoveryConfig{Logger: m.logger, EnableStackTrace: true, StatusCode: status}),
		middleware.Logging(m.logger),
	)
	m.router.Use(m.middleware...)

	m.queue = hooks.NewAsyncQueue(m.workers, m.buffer, m.logger)
	m.queue.Start()
	return m, nil
}

// CreateAPI registers a resource and mounts its routes
func (m *Manager) CreateAPI(opts APIOptions) error {
	if opts.Resource == nil || strings.TrimSpace(opts.Resource.Name) == "" {
		return ErrMissingResource
	}
	res := opts.Resource

	own, err := buildHooks(opts.Preprocess, opts.Postprocess)
	if err != nil {
		return fmt.Errorf("resource %s: %w", res.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.registry.Get(res.Name); !ok {
		if err := m.registry.Register(res); err != nil {
			return err
		}
	} else if existing != res {
		return fmt.Errorf("resource %s is already registered", res.Name)
	}
	m.validated = false

	ops := crud.NewOperations(res, m.store, m.registry,
		crud.WithHooks(hooks.Combine(m.universal, own)),
		crud.WithObserver(m.observer),
		crud.WithLogger(m.logger),
		crud.WithStatusPolicy(m.policy),
	)

	prefix := opts.URLPrefix
	if prefix == "" {
		prefix = DefaultURLPrefix
	}
	methods := opts.Methods
	if len(methods) == 0 {
		methods = ReadOnlyMethods
	}
	if err := m.router.ResourceAt(prefix, ops, methods); err != nil {
		return err
	}

	m.logger.Info("api created",
		zap.String("resource", res.Name),
		zap.String("prefix", prefix),
		zap.Strings("methods", methods),
	)
	return nil
}

// Validate checks that every relation of every registered resource points
// at a registered resource
func (m *Manager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.validated {
		return nil
	}
	if err := m.registry.ValidateAll(); err != nil {
		return err
	}
	m.validated = true
	return nil
}

// ServeHTTP implements http.Handler
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// Handle mounts an extra handler next to the resource routes
func (m *Manager) Handle(pattern string, h http.Handler) {
	m.router.Handle(pattern, h)
}

// Routes lists the mounted resource routes
func (m *Manager) Routes() []*router.RouteInfo {
	return m.router.GetRoutes()
}

// Registry returns the resource registry
func (m *Manager) Registry() *schema.Registry {
	return m.registry
}

// Queue returns the worker pool for hooks.Async
func (m *Manager) Queue() *hooks.AsyncQueue {
	return m.queue
}

// Close drains the hook queue. The store is owned by the caller.
func (m *Manager) Close() {
	m.closeOnce.Do(m.queue.Shutdown)
}

func buildHooks(pre, post Hooks) (*hooks.Set, error) {
	b := hooks.NewBuilder()
	var errs []error
	for name, hs := range pre {
		if err := b.Register(hooks.Preprocess, name, hs...); err != nil {
			errs = append(errs, err)
		}
	}
	for name, hs := range post {
		if err := b.Register(hooks.Postprocess, name, hs...); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b.Build(), nil
}
