// Package logging builds the logr.Logger used across the module.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels passed to logger.V.
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// NewLogger returns a zap-backed logger that emits V(n) lines for every
// n <= verbosity. Development mode switches to the console encoder.
func NewLogger(development bool, verbosity int) (logr.Logger, error) {
	cfg := uberzap.NewProductionConfig()
	if development {
		cfg = uberzap.NewDevelopmentConfig()
	}
	// logr V(n) maps to zap level -n.
	lvl := -1 * verbosity
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(lvl)))

	zl, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}
