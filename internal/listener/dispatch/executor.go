package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Executor runs deliveries with panic recovery and timing.
type Executor struct {
	panicHandler PanicHandler

	executed  atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	totalNs   atomic.Int64
}

// Option configures an Executor.
type Option func(*Executor)

// WithPanicHandler sets the panic handler for the executor.
func WithPanicHandler(h PanicHandler) Option {
	return func(e *Executor) {
		if h != nil {
			e.panicHandler = h
		}
	}
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{panicHandler: defaultPanicHandler}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs call for target and returns the result. Panics are
// recovered and reported through the panic handler.
func (e *Executor) Execute(ctx context.Context, target any, call Call) (result Result) {
	result.Target = target
	start := time.Now()

	defer func() {
		result.Duration = time.Since(start)

		if r := recover(); r != nil {
			stack := debug.Stack()

			result.Success = false
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = stack
			result.Error = fmt.Errorf("%w: %v", ErrPanicked, r)

			// A panicking panic handler must not escape either.
			func() {
				defer func() { _ = recover() }()
				e.panicHandler(target, r, stack)
			}()
		}

		e.record(result)
	}()

	if err := call(ctx); err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	return result
}

func (e *Executor) record(r Result) {
	e.executed.Add(1)
	e.totalNs.Add(r.Duration.Nanoseconds())
	switch {
	case r.Panicked:
		e.panicked.Add(1)
	case r.Error != nil:
		e.failed.Add(1)
	default:
		e.succeeded.Add(1)
	}
}

// Stats returns execution statistics.
func (e *Executor) Stats() Stats {
	executed := e.executed.Load()
	totalNs := e.totalNs.Load()

	var avg time.Duration
	if executed > 0 {
		avg = time.Duration(totalNs / int64(executed))
	}

	return Stats{
		Executed:      executed,
		Succeeded:     e.succeeded.Load(),
		Failed:        e.failed.Load(),
		Panicked:      e.panicked.Load(),
		TotalDuration: time.Duration(totalNs),
		AvgDuration:   avg,
	}
}

// Stats contains executor statistics.
type Stats struct {
	Executed      uint64
	Succeeded     uint64
	Failed        uint64
	Panicked      uint64
	TotalDuration time.Duration
	AvgDuration   time.Duration
}
