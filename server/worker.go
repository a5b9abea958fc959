package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/pikevm/vm"
	"github.com/tliron/commonlog"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("worker stopped")

// workRequest represents a unit of work to be executed on the interpreter
// goroutine.
type workRequest struct {
	ctx  context.Context
	fn   func(*vm.Interpreter) any
	done chan workResult
}

// workResult holds the return value from an interpreter operation.
type workResult struct {
	value any
	err   error
}

// Worker serializes all interpreter access through a single goroutine.
// An Interpreter is single-threaded; every request handler must go through
// the worker.
type Worker struct {
	interp   *vm.Interpreter
	requests chan workRequest
	quit     chan struct{}
	stopped  chan struct{}
	log      commonlog.Logger
}

// NewWorker creates a Worker and starts the processing goroutine.
func NewWorker(i *vm.Interpreter) *Worker {
	w := &Worker{
		interp:   i,
		requests: make(chan workRequest, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		log:      commonlog.GetLogger("pikevm.server"),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case req := <-w.requests:
			if err := req.ctx.Err(); err != nil {
				req.done <- workResult{err: err}
				continue
			}
			req.done <- w.execute(req.ctx, req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn with a cancellation check installed. A fatal error
// aborts only this unit of work: the evaluator is reset and the worker
// carries on with the next request.
func (w *Worker) execute(ctx context.Context, fn func(*vm.Interpreter) any) (result workResult) {
	i := w.interp
	cb := i.AddCallback(func(i *vm.Interpreter) {
		if ctx.Err() != nil {
			i.Error("Evaluation cancelled.")
		}
	})
	defer func() {
		if r := recover(); r != nil {
			var fe *vm.FatalError
			if e, ok := r.(*vm.FatalError); ok {
				fe = e
				result.err = fe
			} else {
				result.err = fmt.Errorf("%v", r)
			}
			w.log.Errorf("request aborted: %v", r)
			if fe != nil {
				for _, line := range fe.Backlog {
					w.log.Debugf("  %s", line)
				}
			}
			i.Reset()
		}
		i.RemoveCallback(cb)
	}()
	result.value = fn(i)
	return result
}

// Do submits fn for execution on the interpreter goroutine and blocks until
// it completes or ctx is done. A request whose context ends while it runs
// is stopped at the next interrupt check with "Evaluation cancelled.".
func (w *Worker) Do(ctx context.Context, fn func(*vm.Interpreter) any) (any, error) {
	req := workRequest{
		ctx:  ctx,
		fn:   fn,
		done: make(chan workResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.stopped:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine and waits for the running request.
func (w *Worker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	<-w.stopped
}
