package setup

import (
	"log/slog"
	"sync/atomic"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger configures the logger used by Verify, WriteConfig and ClearConfig.
// A nil logger restores slog.Default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	if logger := packageLogger.Load(); logger != nil {
		return logger
	}
	return slog.Default()
}
