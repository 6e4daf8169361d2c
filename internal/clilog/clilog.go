// Package clilog builds the process logger of the emw3080 binaries: a zap
// logger exposed as a *slog.Logger so it can be handed to emw3080.Config.
package clilog

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// New returns a logger named name writing to paths, stderr when none are
// given. verbose selects the development encoder at debug level, otherwise
// info level console output is used. The returned function flushes
// buffered entries and should be deferred.
func New(name string, verbose bool, paths ...string) (*slog.Logger, func(), error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Sampling = nil
	}
	cfg.OutputPaths = []string{"stderr"}
	if len(paths) > 0 {
		cfg.OutputPaths = paths
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	h := zapslog.NewHandler(zl.Core(), zapslog.WithName(name))
	return slog.New(h), func() { zl.Sync() }, nil
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(zapslog.NewHandler(zapcore.NewNopCore()))
}
