package pkg

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component identifies a subsystem for log filtering.
type Component string

// usbwatch component identifiers.
const (
	ComponentRegistry  Component = "registry"
	ComponentBackend   Component = "backend"
	ComponentTelemetry Component = "telemetry"
	ComponentAnalysis  Component = "analysis"
	ComponentSecurity  Component = "security"
	ComponentEvent     Component = "event"
	ComponentLoop      Component = "loop"
	ComponentAudit     Component = "audit"
	ComponentMetrics   Component = "metrics"
	ComponentConfig    Component = "config"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Console format (default)
	LogFormatJSON                  // JSON format
)

var (
	// logLevel controls the minimum log level of loggers built by this
	// package.
	logLevel = zap.NewAtomicLevelAt(zapcore.WarnLevel)

	// baseLogger is the root of every component logger.
	baseLogger *zap.Logger

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	baseLogger = NewLogger(os.Stderr, LogFormatText)
}

// SetLogLevel sets the minimum log level for loggers built by this package.
func SetLogLevel(level zapcore.Level) {
	logLevel.SetLevel(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() zapcore.Level {
	return logLevel.Level()
}

// ParseLogLevel converts a level name ("debug", "info", ...) to a level.
func ParseLogLevel(s string) (zapcore.Level, error) {
	return zapcore.ParseLevel(s)
}

// SetLogger replaces the root logger. Component loggers obtained afterwards
// derive from it.
func SetLogger(logger *zap.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	baseLogger = logger
}

// SetLogFormat rebuilds the root logger on os.Stderr with the given format
// and the current level.
func SetLogFormat(format LogFormat) {
	SetLogger(NewLogger(os.Stderr, format))
}

// NewLogger creates a logger writing to w, sharing the package level.
func NewLogger(w io.Writer, format LogFormat) *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch format {
	case LogFormatJSON:
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), logLevel))
}

// Logger returns the root logger named for the given component.
func Logger(component Component) *zap.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return baseLogger.Named(string(component))
}

// Sync flushes the root logger.
func Sync() error {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return baseLogger.Sync()
}
