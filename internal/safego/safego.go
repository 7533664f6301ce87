// Package safego launches goroutines with panic recovery, adapted from the
// teacher's internal/shared/goroutine package but logging through
// log/slog instead of a bespoke logger interface, matching how the rest
// of this module's core packages take a *slog.Logger directly.
package safego

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine. A panic inside fn is recovered and
// logged with a stack trace instead of crashing the process — a single
// misbehaving connection-handler goroutine must never take down the
// server or agent process.
func Go(log *slog.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("goroutine panicked",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}
