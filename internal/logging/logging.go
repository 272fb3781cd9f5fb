// Package logging builds the process-wide zap logger.
package logging

import "go.uber.org/zap"

// New returns a development logger when debug is set, a production logger
// otherwise.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Must is New for process start-up, falling back to a no-op logger.
func Must(debug bool) *zap.Logger {
	logger, err := New(debug)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
