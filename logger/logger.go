package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger. It discards everything until
// Initialize runs, so packages may log from init paths and tests.
var Logger = zap.NewNop().Sugar()

// JSONOutput records whether the last Initialize chose JSON encoding.
var JSONOutput bool

// Initialize sets up the global logger at info level.
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zap.InfoLevel)
}

// InitializeWithLevel sets up the global logger at an explicit minimum level.
// Logs go to stderr; stdout is reserved for command output such as --json.
func InitializeWithLevel(jsonOutput bool, level zapcore.Level) error {
	JSONOutput = jsonOutput
	Logger = New(os.Stderr, jsonOutput, level)
	return nil
}

// New builds a logger writing to w. JSON encoding uses the production field
// names (ts, level, logger, msg); console encoding is meant for terminals.
func New(w io.Writer, jsonOutput bool, level zapcore.Level) *zap.SugaredLogger {
	var enc zapcore.Encoder
	if jsonOutput {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), level)
	opts := []zap.Option{}
	if level <= zap.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...).Sugar()
}

// LevelForVerbosity maps the -v count to a zap level
func LevelForVerbosity(verbosity int) zapcore.Level {
	if verbosity >= 1 {
		return zap.DebugLevel
	}
	return zap.InfoLevel
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	_ = Logger.Sync()
}
