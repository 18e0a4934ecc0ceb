package hooks

import (
	"context"
	"fmt"
	"net/http"

	"github.com/conduit-lang/apimanager/internal/orm/query"
)

// Task is the uniform handle on a hook's work. Synchronous hooks return
// a completed task; long-running hooks return a pending one.
type Task interface {
	Await(ctx context.Context) (Result, error)
}

// Hook is a registered extension point
type Hook func(*Context) Task

type doneTask struct {
	result Result
	err    error
}

func (t doneTask) Await(context.Context) (Result, error) {
	return t.result, t.err
}

// Done returns a completed task
func Done(r Result) Task {
	return doneTask{result: r}
}

// Failed returns a task that completed with an unexpected error. The
// error is propagated to the caller as is.
func Failed(err error) Task {
	return doneTask{err: err}
}

// pendingTask completes when its body has run on the async queue. The
// body works on scratch, which is published to hctx only by an Await that
// observes completion; after cancellation its writes are dropped.
type pendingTask struct {
	hctx    *Context
	scratch *Context
	done    chan struct{}
	result  Result
	err     error
}

func (t *pendingTask) Await(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		*t.hctx = *t.scratch
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// detach copies the top level of the fields a hook may modify. Nested
// values inside Data or Result are still shared.
func (c *Context) detach() *Context {
	cp := *c
	if c.Data != nil {
		cp.Data = make(map[string]interface{}, len(c.Data))
		for k, v := range c.Data {
			cp.Data[k] = v
		}
	}
	if c.Search != nil {
		spec := *c.Search
		spec.Filters = append([]query.Filter(nil), c.Search.Filters...)
		spec.OrderBy = append([]query.OrderBy(nil), c.Search.OrderBy...)
		cp.Search = &spec
	}
	cp.Headers = c.Headers.Clone()
	if cp.Headers == nil {
		cp.Headers = make(http.Header)
	}
	return &cp
}

// Sync adapts a plain function into a hook
func Sync(fn func(*Context) (Result, error)) Hook {
	return func(hctx *Context) Task {
		r, err := fn(hctx)
		return doneTask{result: r, err: err}
	}
}

// Async adapts a long-running function into a hook whose body runs on q.
// The pipeline still waits for it before invoking the next hook, and sees
// the body's changes to the context once it has completed.
func Async(q *AsyncQueue, name string, fn func(*Context) (Result, error)) Hook {
	return func(hctx *Context) Task {
		t := &pendingTask{hctx: hctx, scratch: hctx.detach(), done: make(chan struct{})}
		err := q.Enqueue(AsyncTask{
			Name: name,
			Fn: func(context.Context) (err error) {
				defer func() {
					if r := recover(); r != nil {
						t.err = fmt.Errorf("hook %s panicked: %v", name, r)
						err = t.err
					}
					close(t.done)
				}()
				t.result, t.err = fn(t.scratch)
				return t.err
			},
		})
		if err != nil {
			return Failed(fmt.Errorf("enqueue hook %s: %w", name, err))
		}
		return t
	}
}
