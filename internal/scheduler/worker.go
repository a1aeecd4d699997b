package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Worker runs one unit. It receives the unit's input mapping, never the unit.
type Worker interface {
	Invoke(ctx context.Context, input map[string]any) (any, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, input map[string]any) (any, error)

func (f WorkerFunc) Invoke(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// Result is the outcome of an asynchronous invocation.
type Result struct {
	Output any
	Err    error
}

// AsyncWorker is a worker with its own asynchronous invocation, used by the
// async backend. The returned channel must deliver exactly one Result.
type AsyncWorker interface {
	Worker
	InvokeAsync(ctx context.Context, input map[string]any) <-chan Result
}

// Tool is an extra capability a crew hands to task workers.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, input map[string]any) (any, error)
}

// invoke calls w once, applying timeout when positive. Panics and errors come
// back as *WorkerError.
func invoke(ctx context.Context, w Worker, t Task, u TaskUnit, input map[string]any, timeout time.Duration) (out any, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		if err != nil {
			err = wrapWorkerErr(t, u, err)
		}
	}()
	return w.Invoke(ctx, input)
}

// invokeAsync starts w for one unit and returns the channel its result
// arrives on. Workers without InvokeAsync run on their own goroutine.
func invokeAsync(ctx context.Context, w Worker, t Task, u TaskUnit, input map[string]any, timeout time.Duration) <-chan Result {
	out := make(chan Result, 1)

	aw, ok := w.(AsyncWorker)
	if !ok {
		go func() {
			res, err := invoke(ctx, w, t, u, input, timeout)
			out <- Result{Output: res, Err: err}
		}()
		return out
	}

	go func() {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				out <- Result{Err: wrapWorkerErr(t, u, fmt.Errorf("worker panic: %v", r))}
			}
		}()

		results := aw.InvokeAsync(callCtx, input)
		if results == nil {
			out <- Result{Err: wrapWorkerErr(t, u, errors.New("async worker returned no result channel"))}
			return
		}
		select {
		case res := <-results:
			if res.Err != nil {
				res.Err = wrapWorkerErr(t, u, res.Err)
			}
			out <- res
		case <-callCtx.Done():
			out <- Result{Err: wrapWorkerErr(t, u, callCtx.Err())}
		}
	}()
	return out
}

func wrapWorkerErr(t Task, u TaskUnit, err error) error {
	return &WorkerError{
		Task:   t.Base().Name(),
		Label:  u.Label(),
		UnitID: u.Base().ID,
		Err:    err,
	}
}
