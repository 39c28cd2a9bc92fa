package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the global logger. Packages log through it directly; it defaults
// to a no-op logger so library use without Init stays quiet.
var Log = zap.NewNop()

// Init initializes the global logger at the level named by FACTDB_LOG_LEVEL
// (debug, info, warn, error; default info).
func Init() {
	InitWithLevel(os.Getenv("FACTDB_LOG_LEVEL"))
}

// InitWithLevel initializes the global logger at an explicit level. An
// empty or unknown level means info.
func InitWithLevel(level string) {
	var lv zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = zapcore.DebugLevel
	case "warn", "warning":
		lv = zapcore.WarnLevel
	case "error":
		lv = zapcore.ErrorLevel
	default:
		lv = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lv)
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		l = zap.NewExample()
	}
	Log = l
}

// Sync flushes buffered log entries. Safe to call on the no-op logger.
func Sync() {
	_ = Log.Sync()
}
