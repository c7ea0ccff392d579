// Package logging builds the zap logger the rest of the server writes
// structured log lines through, keyed to the server's numeric debug
// verbosity rather than zap's usual named levels.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelForDebug maps the configuration's debug: u8 verbosity to a zap
// level: 0 is warnings and above only, 1 is informational, 2+ is
// debug-level tracing (fragment reassembly, decompression failures, the
// event loop's per-iteration readiness decisions).
func LevelForDebug(debug int) zapcore.Level {
	switch {
	case debug <= 0:
		return zapcore.WarnLevel
	case debug == 1:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// New builds a production-style zap logger at the level LevelForDebug
// derives from debug.
func New(debug int) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(LevelForDebug(debug))
	return cfg.Build()
}
