// Package logging provides the process-wide structured logger used by every
// other package, generalized from the teacher's pkg/logger: a console
// encoder for interactive runs plus a file-backed core under logs/, combined
// with zapcore.NewTee, with level controlled by P2P_LOG_LEVEL/LOG_LEVEL.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

// Init wires the global logger. nodeID names the log file so multiple nodes
// run from the same working directory don't clobber each other's history.
// interactive controls whether a console core is also attached to stderr.
func Init(nodeID string, interactive bool) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(filepath.Join("logs", nodeID+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level := resolveLevel()

	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(file), level)
	core := fileCore
	if interactive {
		consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), level)
		core = zapcore.NewTee(fileCore, consoleCore)
	}

	Log = zap.New(core, zap.AddCaller())
	Sugar = Log.Sugar()
	return nil
}

func resolveLevel() zapcore.Level {
	level := zapcore.InfoLevel
	levelStr := strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL"))
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		_ = level.UnmarshalText([]byte(strings.ToLower(levelStr)))
	}
	return level
}

// ForSession returns a logger scoped to one peer connection, carrying its
// remote endpoint and role as structured fields so interleaved session logs
// stay attributable.
func ForSession(remote, role string) *zap.SugaredLogger {
	if Sugar == nil {
		return zap.NewNop().Sugar()
	}
	return Sugar.With("remote", remote, "role", role)
}

// Sync flushes buffered log entries; call before process exit.
func Sync() error {
	if Log == nil {
		return nil
	}
	return Log.Sync()
}
