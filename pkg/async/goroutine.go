package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// PanicError is returned by Run when the task panicked
type PanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Task, e.Value)
}

// Run executes fn with a deadline of timeout (none when timeout <= 0).
// A panic is recovered, logged with its stack and returned as *PanicError.
//
// Example:
//
//	err := async.Run(ctx, logger, 10*time.Second, "jwks refresh", keys.Refresh)
func Run(ctx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Task: taskName, Value: r, Stack: debug.Stack()}
			logger.WithFields(map[string]interface{}{
				"task":  taskName,
				"panic": r,
				"stack": string(perr.Stack),
			}).Error("PANIC recovered")
			err = perr
		}
	}()

	return fn(ctx)
}

// SafeGo runs fn on its own goroutine through Run. Errors are logged, not
// returned; the returned channel is closed when fn finishes.
//
// Use this instead of a bare `go func()` so a panicking background task
// cannot take the process down.
func SafeGo(ctx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := Run(ctx, logger, timeout, taskName, fn); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
	return done
}
