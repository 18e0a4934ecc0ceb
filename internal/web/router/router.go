// Package router mounts resource operations on a chi router.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/conduit-lang/apimanager/internal/orm/crud"
	"github.com/conduit-lang/apimanager/internal/web/middleware"
	"github.com/conduit-lang/apimanager/internal/web/response"
)

// Router manages HTTP routing using chi framework
type Router struct {
	mux    chi.Router
	prefix string
	policy crud.StatusPolicy
	logger *zap.Logger

	// For introspection and debugging
	registeredRoutes []*RouteInfo
	resources        map[string]bool
}

// RouteInfo provides metadata about a route for introspection
type RouteInfo struct {
	Method    string
	Pattern   string
	Resource  string
	Operation crud.Operation
}

// Option configures a Router
type Option func(*Router)

// WithPrefix mounts resources under prefix, e.g. /api
func WithPrefix(prefix string) Option {
	return func(r *Router) { r.prefix = strings.TrimSuffix(prefix, "/") }
}

// WithStatusPolicy selects the status codes of unrouted requests
func WithStatusPolicy(policy crud.StatusPolicy) Option {
	return func(r *Router) { r.policy = policy }
}

// WithLogger sets the logger used for route registration
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter creates a new Router instance
func NewRouter(opts ...Option) *Router {
	r := &Router{
		mux:       chi.NewRouter(),
		logger:    zap.NewNop(),
		resources: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.mux.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.Error(w, crud.ErrUnknownResource, r.policy)
	})
	r.mux.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		response.JSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
			"error_code":    "MethodNotAllowed",
			"error_message": fmt.Sprintf("method %s is not allowed", req.Method),
		})
	})
	return r
}

// ServeHTTP implements http.Handler interface
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Use adds middleware ahead of every route. It must be called before any
// route is registered.
func (r *Router) Use(middlewares ...middleware.Middleware) {
	for _, m := range middlewares {
		r.mux.Use(m)
	}
}

// Handle mounts a plain handler, such as a metrics endpoint
func (r *Router) Handle(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

// Resource mounts the operations of one resource under the router prefix
// for the allowed HTTP methods. PUT and PATCH share handlers.
func (r *Router) Resource(ops *crud.Operations, methods []string) error {
	return r.ResourceAt(r.prefix, ops, methods)
}

// ResourceAt is Resource with an explicit URL prefix
func (r *Router) ResourceAt(prefix string, ops *crud.Operations, methods []string) error {
	name := ops.Resource().Name
	if r.resources[name] {
		return fmt.Errorf("resource %s is already routed", name)
	}

	h := &handlers{ops: ops}
	collection := strings.TrimSuffix(prefix, "/") + "/" + name
	instance := collection + "/{" + ParamID + "}"
	relation := instance + "/{" + ParamRelation + "}"
	member := relation + "/{" + ParamRelID + "}"

	for _, method := range normalizeMethods(methods) {
		switch method {
		case http.MethodGet:
			r.add(name, method, collection, crud.OperationSearch, h.search)
			r.add(name, method, instance, crud.OperationGet, h.get)
			r.add(name, method, relation, crud.OperationGet, h.get)
			r.add(name, method, member, crud.OperationGet, h.get)
		case http.MethodPost:
			r.add(name, method, collection, crud.OperationCreate, h.create)
		case http.MethodPut, http.MethodPatch:
			r.add(name, method, collection, crud.OperationUpdateMany, h.updateMany)
			r.add(name, method, instance, crud.OperationUpdate, h.update)
		case http.MethodDelete:
			r.add(name, method, collection, crud.OperationDeleteMany, h.deleteMany)
			r.add(name, method, instance, crud.OperationDelete, h.delete)
			r.add(name, method, relation, crud.OperationDelete, h.delete)
			r.add(name, method, member, crud.OperationDelete, h.delete)
		default:
			return fmt.Errorf("resource %s: unsupported method %s", name, method)
		}
	}

	r.resources[name] = true
	r.logger.Debug("resource routed", zap.String("resource", name), zap.String("path", collection), zap.Strings("methods", methods))
	return nil
}

func (r *Router) add(resource, method, pattern string, op crud.Operation, handler http.HandlerFunc) {
	r.mux.Method(method, pattern, handler)
	r.registeredRoutes = append(r.registeredRoutes, &RouteInfo{
		Method:    method,
		Pattern:   pattern,
		Resource:  resource,
		Operation: op,
	})
}

// GetRoutes returns all registered routes sorted by pattern and method
func (r *Router) GetRoutes() []*RouteInfo {
	out := make([]*RouteInfo, len(r.registeredRoutes))
	copy(out, r.registeredRoutes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return methodRank(out[i].Method) < methodRank(out[j].Method)
	})
	return out
}

var methodOrder = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

func methodRank(m string) int {
	for i, v := range methodOrder {
		if v == m {
			return i
		}
	}
	return len(methodOrder)
}

// normalizeMethods upper-cases and deduplicates methods. An empty list
// routes GET only.
func normalizeMethods(methods []string) []string {
	if len(methods) == 0 {
		return []string{http.MethodGet}
	}
	seen := make(map[string]bool, len(methods))
	out := make([]string, 0, len(methods))
	for _, m := range methods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
