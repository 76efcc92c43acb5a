// Package logging sets up the daemon's zap logger, with a sampling core
// that thins out repeated identical entries and an in-memory ring of
// recent entries (Buffer), grounded on the teacher's logging.go
// default-logger provisioning.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls the constructed logger's behavior.
type Options struct {
	Debug bool
	JSON  bool
}

// Buffer holds the process's most recent log lines, consulted by the
// admin RPC surface when getLinks is called with debug=true.
var Buffer = NewBufferCore(zapcore.InfoLevel)

// New builds a process-wide SugaredLogger. Debug enables debug-level
// output; JSON selects the production JSON encoder over a
// human-readable console encoder, mirroring the common
// dev-vs-production split used across the corpus. Every log entry is
// also mirrored into Buffer.
func New(opts Options) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	// Sample repeated identical log lines so a noisy upstream can't
	// flood stderr: per second, the first 10 are kept, then every 100th.
	sampled := zapcore.NewSamplerWithOptions(core, time.Second, 10, 100)

	Buffer.level = level
	tee := zapcore.NewTee(sampled, Buffer)

	logger := zap.New(tee, zap.AddCaller())
	return logger.Sugar(), nil
}
