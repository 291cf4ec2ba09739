// Package logging provides structured logging with zap.
package logging

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	globalLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      int    // 1 (errors only) to 7 (everything)
	Format     string // json, console
	OutputPath string // stderr, stdout, or file path
}

// LevelFor maps a verbosity of 1 to 7 onto a zap level.
func LevelFor(verbosity int) zapcore.Level {
	switch {
	case verbosity <= 2:
		return zapcore.ErrorLevel
	case verbosity <= 4:
		return zapcore.WarnLevel
	case verbosity == 5:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Init initializes the global logger.
func Init(cfg Config) error {
	var config zap.Config
	if cfg.Format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.DisableStacktrace = true
	}

	globalLevel.SetLevel(LevelFor(cfg.Level))
	config.Level = globalLevel
	if cfg.OutputPath != "" {
		config.OutputPaths = []string{cfg.OutputPath}
		if cfg.Format != "json" {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	}

	logger, err := config.Build()
	if err != nil {
		return err
	}

	globalLogger = logger
	return nil
}

// initDefault falls back to console output at info level.
func initDefault() {
	logger, _ := zap.NewDevelopment()
	globalLogger = logger
}

// Sync flushes any buffered log entries.
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

// SetLevel changes the global verbosity at runtime.
func SetLevel(verbosity int) {
	globalLevel.SetLevel(LevelFor(verbosity))
}

// L returns the global logger.
func L() *zap.Logger {
	if globalLogger == nil {
		initDefault()
	}
	return globalLogger
}

// responseWriter wraps http.ResponseWriter to capture the status.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware logs each request served by next at debug level.
func Middleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
