// Package crud orchestrates the operations exposed for a resource: it runs
// hooks, compiles searches, stages mutations in one transaction and
// classifies failures.
package crud

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/apimanager/internal/orm/hooks"
	"github.com/conduit-lang/apimanager/internal/orm/query"
	"github.com/conduit-lang/apimanager/internal/orm/schema"
	"github.com/conduit-lang/apimanager/internal/orm/serializer"
	"github.com/conduit-lang/apimanager/internal/storage"
)

// Operation names an orchestrated operation
type Operation int

const (
	OperationSearch Operation = iota
	OperationGet
	OperationCreate
	OperationUpdate
	OperationUpdateMany
	OperationDelete
	OperationDeleteMany
)

// String returns the string representation of the operation
func (o Operation) String() string {
	switch o {
	case OperationSearch:
		return "search"
	case OperationGet:
		return "get"
	case OperationCreate:
		return "create"
	case OperationUpdate:
		return "update"
	case OperationUpdateMany:
		return "update_many"
	case OperationDelete:
		return "delete"
	case OperationDeleteMany:
		return "delete_many"
	default:
		return "unknown"
	}
}

// Outcome labels reported to observers besides error kinds
const (
	OutcomeOK           = "ok"
	OutcomeShortCircuit = "short_circuit"
	OutcomeHookError    = "hook_error"
)

// Observer is notified of every completed operation
type Observer interface {
	ObserveOperation(resource string, op Operation, outcome string, d time.Duration)
}

// Outcome is a successful operation result or a hook's short-circuit
// response
type Outcome struct {
	Status  int
	Body    interface{}
	Headers http.Header

	// ID is the primary key of a created entity
	ID interface{}
	// ShortCircuit is set when a hook answered instead of the operation
	ShortCircuit bool
}

// Option configures Operations
type Option func(*Operations)

// WithHooks binds the resource's hook set
func WithHooks(set *hooks.Set) Option {
	return func(o *Operations) { o.hookSet = set }
}

// WithObserver sets the operation observer
func WithObserver(obs Observer) Option {
	return func(o *Operations) { o.observer = obs }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Operations) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStatusPolicy selects the status codes of classified errors
func WithStatusPolicy(p StatusPolicy) Option {
	return func(o *Operations) { o.policy = p }
}

// Operations provides the operations of one resource
type Operations struct {
	resource   *schema.Resource
	store      storage.Store
	targets    query.TargetResolver
	serializer *serializer.Serializer
	hookSet    *hooks.Set
	hooks      *hooks.Executor
	observer   Observer
	logger     *zap.Logger
	policy     StatusPolicy
}

// NewOperations creates the orchestrator of res
func NewOperations(res *schema.Resource, store storage.Store, targets query.TargetResolver, opts ...Option) *Operations {
	o := &Operations{
		resource:   res,
		store:      store,
		targets:    targets,
		serializer: serializer.New(targets),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("resource", res.Name))
	o.hooks = hooks.NewExecutor(o.hookSet, o.logger)
	return o
}

// Resource returns the resource definition
func (o *Operations) Resource() *schema.Resource {
	return o.resource
}

// Policy returns the status policy used to classify errors
func (o *Operations) Policy() StatusPolicy {
	return o.policy
}

func (o *Operations) begin(op Operation) time.Time {
	o.logger.Debug("operation started", zap.Stringer("operation", op))
	return time.Now()
}

func (o *Operations) observe(op Operation, start time.Time, out *Outcome, err error) {
	outcome := OutcomeOK
	var classified *Error
	switch {
	case errors.As(err, &classified):
		outcome = classified.Kind.String()
	case err != nil:
		outcome = OutcomeHookError
	case out != nil && out.ShortCircuit:
		outcome = OutcomeShortCircuit
	}
	d := time.Since(start)
	o.logger.Debug("operation finished",
		zap.Stringer("operation", op), zap.String("outcome", outcome), zap.Duration("duration", d))
	if o.observer != nil {
		o.observer.ObserveOperation(o.resource.Name, op, outcome, d)
	}
}

func (o *Operations) fail(err error) error {
	return Classify(err, o.policy)
}

// runHooks returns a non-nil outcome when a hook short-circuits. Hook
// processing failures are classified; other hook errors pass through.
func (o *Operations) runHooks(phase hooks.Phase, hctx *hooks.Context) (*Outcome, error) {
	resp, err := o.hooks.Run(phase, hctx)
	if err != nil {
		if _, ok := hooks.AsProcessingError(err); ok {
			return nil, o.fail(err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}

	headers := hctx.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	for k, v := range resp.Headers {
		headers[k] = v
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Outcome{Status: status, Body: resp.Body, Headers: headers, ShortCircuit: true}, nil
}

// respond runs the postprocess hooks and wraps the (possibly rewritten)
// result
func (o *Operations) respond(hctx *hooks.Context, status int) (*Outcome, error) {
	if out, err := o.runHooks(hooks.Postprocess, hctx); out != nil || err != nil {
		return out, err
	}
	return &Outcome{Status: status, Body: hctx.Result, Headers: hctx.Headers}, nil
}

// inTx runs fn in a transaction, rolling back on any error
func (o *Operations) inTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := o.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			o.logger.Error("rollback failed", zap.Error(rbErr))
		}
		o.logger.Warn("operation rolled back",
			zap.Stringer("kind", Classify(err, o.policy).Kind), zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		o.logger.Error("commit failed", zap.Error(err))
		_ = tx.Rollback()
		return err
	}
	return nil
}

// load fetches the entity with the given primary key through r
func (o *Operations) load(ctx context.Context, r storage.Reader, id interface{}) (storage.Record, error) {
	q, err := query.ByID(o.resource, id)
	if err != nil {
		return nil, storage.ErrNotFound
	}
	return query.FindOne(ctx, r, q)
}

func (o *Operations) relation(name string) (*schema.Relation, *schema.Resource, error) {
	rel, ok := o.resource.Relation(name)
	if !ok {
		return nil, nil, ErrUnknownRelation
	}
	target, err := o.targets.Target(rel)
	if err != nil {
		return nil, nil, err
	}
	return rel, target, nil
}
