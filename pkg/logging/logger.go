// Package logging builds the process logger and provides redaction
// helpers for values that may carry credentials: connection targets and
// engine error messages.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a zap logger appropriate for the environment. "local" and
// "test" get the development console encoder; everything else gets
// production JSON.
func New(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	switch env {
	case "local", "test":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
