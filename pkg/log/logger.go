// Package log provides structured logging for the cnminer services.
// It wraps the standard library's slog package with mining-specific helpers
// and optional size-based file rotation.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrick/logrotate/rotator"
)

// Logger wraps slog.Logger with service identity and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
	rotator *rotator.Rotator
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return newLogger(os.Stdout, service, version, level, format, nil)
}

// NewWithRotation creates a logger that writes to stdout and to a rotating
// log file at path. maxSizeKB is the roll threshold and maxRolls the number
// of rolled files kept.
func NewWithRotation(service, version, level, format, path string, maxSizeKB int64, maxRolls int) (*Logger, error) {
	dir, _ := filepath.Split(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	r, err := rotator.New(path, maxSizeKB, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %w", err)
	}

	return newLogger(io.MultiWriter(os.Stdout, r), service, version, level, format, r), nil
}

func newLogger(w io.Writer, service, version, level, format string, r *rotator.Rotator) *Logger {
	logLevel := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
		rotator: r,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close flushes and closes the rotating log file, if any.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
		rotator: l.rotator,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger tagged with a worker id
func (l *Logger) WithWorker(workerID int) *Logger {
	return l.WithFields("worker_id", workerID)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, difficulty float64) *Logger {
	return l.WithFields("job_id", jobID, "difficulty", difficulty)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(jobID, nonce string) *Logger {
	return l.WithFields("job_id", jobID, "nonce", nonce)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogHashrate logs an aggregate hashrate sample
func (l *Logger) LogHashrate(hashrate float64, totalHashes, shares uint64, workers int) {
	l.Info("hashrate",
		"hashrate_hs", hashrate,
		"total_hashes", totalHashes,
		"shares", shares,
		"workers", workers,
	)
}

// LogConnection logs pool connection events
func (l *Logger) LogConnection(event, poolURL string) {
	l.Info("connection event",
		"event", event,
		"pool_url", poolURL,
	)
}

// LogPoolMessage logs raw pool protocol traffic (debug level)
func (l *Logger) LogPoolMessage(direction string, message []byte) {
	l.Debug("pool message",
		"direction", direction,
		"message", string(message),
	)
}

// LogShareSubmission logs a share submission or its acknowledgement
func (l *Logger) LogShareSubmission(jobID, nonce, status string) {
	l.Info("share submission",
		"job_id", jobID,
		"nonce", nonce,
		"status", status,
	)
}

// LogJobDistribution logs a job fanned out to workers
func (l *Logger) LogJobDistribution(jobID string, difficulty float64, workerCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"difficulty", difficulty,
		"worker_count", workerCount,
	)
}
