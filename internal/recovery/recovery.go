// Package recovery keeps a panic in a helper goroutine (control socket,
// health endpoint) from taking the controller's event loop down with it.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/kvmux/internal/logging"
)

// RecoverWithLog recovers from panics and logs them with the provided
// logger, or slog.Default() if it is nil. Defer it at the start of a
// goroutine.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		report(logger, name, r)
	}
}

// Go runs fn in a new goroutine that logs and swallows panics.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func report(logger *slog.Logger, name string, r any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		logging.KeyComponent, name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
