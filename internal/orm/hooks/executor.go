package hooks

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Executor runs the hooks of a Set one at a time in registration order
type Executor struct {
	set    *Set
	logger *zap.Logger
}

// NewExecutor creates an executor over set
func NewExecutor(set *Set, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{set: set, logger: logger}
}

// Run executes the hooks registered for phase and hctx.Event. A non-nil
// response means a hook short-circuited and must be returned to the
// caller as is. A hook failure is returned as *ProcessingError; any other
// error raised by a hook is returned unwrapped.
func (e *Executor) Run(phase Phase, hctx *Context) (*Response, error) {
	hctx.Phase = phase
	for i, hook := range e.set.Hooks(phase, hctx.Event) {
		result, err := hook(hctx).Await(hctx)
		if err != nil {
			return nil, err
		}

		switch result.kind {
		case resultContinue:
		case resultOverrideID:
			if phase == Preprocess && hctx.Event.Single() {
				hctx.InstanceID = result.id
			} else {
				e.logger.Debug("ignoring instance override",
					zap.Stringer("event", hctx.Event), zap.Stringer("phase", phase), zap.Int("hook", i))
			}
		case resultShortCircuit:
			e.logger.Debug("hook short-circuited",
				zap.Stringer("event", hctx.Event), zap.Stringer("phase", phase), zap.Int("hook", i))
			resp := result.response
			if resp == nil {
				resp = &Response{}
			}
			return resp, nil
		case resultFail:
			return nil, result.err
		default:
			return nil, fmt.Errorf("hook %d returned an unknown result", i)
		}
	}
	return nil, nil
}

// AsProcessingError unwraps a hook processing failure
func AsProcessingError(err error) (*ProcessingError, bool) {
	var pe *ProcessingError
	ok := errors.As(err, &pe)
	return pe, ok
}
