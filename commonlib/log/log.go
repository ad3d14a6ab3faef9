package log

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Logger Interface
// =============================================================================

// Logger is the logging interface.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
	Sync() error
}

// Field is a logging field.
type Field = zap.Field

// Common field constructors (re-exported from zap)
var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int64    = zap.Int64
	Bool     = zap.Bool
	Err      = zap.Error // Err is an alias for zap.Error to avoid conflict with Error method
	Any      = zap.Any
	Duration = zap.Duration
	Time     = zap.Time
)

// =============================================================================
// LogConfig
// =============================================================================

// LogConfig configures the logger.
type LogConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // json, console
	OutputPath string `json:"output_path"` // file path or "stdout"/"stderr"
	AddCaller  bool   `json:"add_caller"`
	// Log rotation settings (only used when OutputPath is a file path)
	MaxSize    int  `json:"max_size"`    // MB, default 100
	MaxBackups int  `json:"max_backups"` // default 3
	MaxAge     int  `json:"max_age"`     // days, default 30
	Compress   bool `json:"compress"`
}

// =============================================================================
// ZapLogger Implementation
// =============================================================================

// ZapLogger wraps zap.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewLogger creates a new logger.
func NewLogger(config LogConfig) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	switch config.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if config.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch config.OutputPath {
	case "", "stdout":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		// File output with rotation
		writer := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		if config.MaxSize == 0 {
			writer.MaxSize = 100
		}
		if config.MaxBackups == 0 {
			writer.MaxBackups = 3
		}
		if config.MaxAge == 0 {
			writer.MaxAge = 30
		}
		output = zapcore.AddSync(writer)
	}

	core := zapcore.NewCore(encoder, output, level)

	opts := []zap.Option{}
	if config.AddCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}

	return &ZapLogger{logger: zap.New(core, opts...)}, nil
}

// NewFromZap wraps an existing zap logger, e.g. one built by zaptest.
func NewFromZap(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// NewNop returns a logger that discards everything.
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// Debug logs a debug message.
func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, fields...)
}

// Info logs an info message.
func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, fields...)
}

// Warn logs a warning message.
func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, fields...)
}

// Error logs an error message.
func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func (l *ZapLogger) Fatal(msg string, fields ...Field) {
	l.logger.Fatal(msg, fields...)
}

// With returns a logger with the given fields.
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{logger: l.logger.With(fields...)}
}

// WithContext returns a logger with context fields.
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// =============================================================================
// Context Keys
// =============================================================================

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	ServerKey    contextKey = "server"
)

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithServer adds the backend connection name to context.
func WithServer(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ServerKey, name)
}

// RequestIDFrom returns the request ID stored in ctx, if any.
func RequestIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(RequestIDKey).(string)
	return s
}

func extractContextFields(ctx context.Context) []Field {
	var fields []Field
	if s, ok := ctx.Value(RequestIDKey).(string); ok && s != "" {
		fields = append(fields, String("request_id", s))
	}
	if s, ok := ctx.Value(ServerKey).(string); ok && s != "" {
		fields = append(fields, String("server", s))
	}
	return fields
}

// =============================================================================
// Global Logger
// =============================================================================

var globalLogger Logger = NewNop()

// Init initializes the global logger.
func Init(config LogConfig) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// Default returns the global logger.
func Default() Logger {
	return globalLogger
}

// SetDefault sets the global logger.
func SetDefault(logger Logger) {
	globalLogger = logger
}

// L returns the global logger with context fields.
func L(ctx context.Context) Logger {
	return globalLogger.WithContext(ctx)
}
