// Package logging configures structured JSON logging to stdout.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Setup builds the process-wide logger. Log level comes from the LOG_LEVEL
// environment variable (DEBUG|INFO|WARNING|ERROR, default INFO). Output is one
// JSON object per line on stdout.
func Setup() *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		CallerKey:      "caller",
		StacktraceKey:  "exception",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		levelFromEnv(),
	)

	return zap.New(core, zap.AddCaller())
}

func levelFromEnv() zapcore.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING", "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Camera returns the standard camera field attached to per-camera log lines.
func Camera(cameraID string) zap.Field {
	return zap.String("camera_id", cameraID)
}

// EventType returns the standard detection event type field.
func EventType(t string) zap.Field {
	return zap.String("event_type", t)
}

// LatencyMS returns the standard inference latency field.
func LatencyMS(ms float64) zap.Field {
	return zap.Float64("latency_ms", ms)
}
