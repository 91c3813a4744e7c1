// Package task runs fire-and-forget work under supervision. A panic or
// error in a spawned task is logged instead of crashing the caller's loop.
package task

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go runs fn on a new goroutine. Panics are recovered and logged with a
// stack trace; a returned error is logged at error level. The caller's
// goroutine is never affected.
func Go(logger *slog.Logger, name string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task panicked",
					"task", name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
			}
		}()
		if err := fn(); err != nil {
			logger.Error("task failed", "task", name, "error", err)
		}
	}()
}
