package daemon

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the structured JSON-per-line daemon log with
// size-based rotation.
func newLogger(path string, maxSize int64, verbose bool) (*zap.Logger, func(), error) {
	maxMB := int(maxSize / (1024 * 1024))
	if maxMB < 1 {
		maxMB = 1
	}

	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: 3,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.EpochMillisTimeEncoder

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), level)
	logger := zap.New(core)

	cleanup := func() {
		logger.Sync()
		sink.Close()
	}
	return logger, cleanup, nil
}
