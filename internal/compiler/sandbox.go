package compiler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// limits bounds every script invocation made by units of one compiler.
type limits struct {
	timeout      time.Duration
	maxCallStack int
}

// run evaluates program in a fresh runtime. The runtime only carries the
// ECMAScript built-ins: the job copy and the callback are the sole host
// values a task can reach.
func (l *limits) run(ctx context.Context, program *goja.Program, job map[string]any) (map[string]any, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	vm := goja.New()
	if l.maxCallStack > 0 {
		vm.SetMaxCallStackSize(l.maxCallStack)
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	value, err := vm.RunProgram(program)
	if err != nil {
		return nil, scriptError(err)
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, &TaskError{Message: "task body did not evaluate to a function"}
	}

	var (
		called  bool
		outcome error
	)
	cb := func(call goja.FunctionCall) goja.Value {
		if called {
			return goja.Undefined()
		}
		called = true
		arg := call.Argument(0)
		if !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			outcome = &TaskError{Message: arg.String()}
		}
		return goja.Undefined()
	}

	if _, err := fn(goja.Undefined(), vm.ToValue(job), vm.ToValue(cb)); err != nil {
		return nil, scriptError(err)
	}
	if !called {
		return nil, ErrNoCallback
	}
	if outcome != nil {
		return job, outcome
	}
	return job, nil
}

func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %v", ErrInterrupted, interrupted.Value())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &TaskError{Message: exception.Value().String()}
	}
	return &TaskError{Message: err.Error()}
}
