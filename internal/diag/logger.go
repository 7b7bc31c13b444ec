// Package diag provides the structured logger used by optional
// diagnostics hooks (growth events, stress-test harnesses). The map and
// smr packages never import this on their hot path; it exists for the
// instrumentation hooks that opt into it explicitly.
package diag

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	once   sync.Once
	logger *zap.Logger
)

// Logger returns the process-wide development logger, creating it on
// first use.
func Logger() *zap.Logger {
	once.Do(func() {
		l, err := zap.NewDevelopment()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "[ERROR] failed to create zap development logger: %v\n", err)
			l = zap.NewNop()
		}
		logger = l
	})
	return logger
}

// Sugar returns a SugaredLogger built from Logger.
func Sugar() *zap.SugaredLogger {
	return Logger().Sugar()
}
