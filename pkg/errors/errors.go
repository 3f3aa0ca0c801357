// Package errors provides the structured error taxonomy shared by the miner,
// its pool session and the telemetry sinks.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrorType classifies a failure by how the caller is expected to react.
type ErrorType string

const (
	// ErrorTypeEngineInit is a fatal hash engine failure (scratchpad allocation).
	ErrorTypeEngineInit ErrorType = "engine_init"
	// ErrorTypeProtocolParse is a malformed pool message; it is dropped.
	ErrorTypeProtocolParse ErrorType = "protocol_parse"
	// ErrorTypeConnection is a transport failure or unexpected close.
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSubmissionRejected is a share the pool refused.
	ErrorTypeSubmissionRejected ErrorType = "submission_rejected"
	// ErrorTypeValidation represents invalid local input or configuration
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeMessaging represents Kafka publishing errors
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeDatabase represents Redis and InfluxDB errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error carrying its category, the failed operation and
// optional key/value context for structured logging.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds a key/value pair to the error and returns it for chaining.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps err with a category and operation. A nil err yields nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByType(errorType) || isRetryableByDefault(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = retryable || se.Retryable
	}
	if errorType == ErrorTypeEngineInit || errorType == ErrorTypeSubmissionRejected {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout, ErrorTypeMessaging, ErrorTypeDatabase:
		return true
	default:
		return false
	}
}

// isRetryableByDefault classifies foreign errors by their shape.
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network is unreachable",
		"no such host",
		"timeout",
		"unexpected eof",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	for e := err; errors.As(e, &se); e = se.Cause {
		if se.Type == errorType {
			return true
		}
	}
	return false
}

// IsFatal reports whether err must stop the component that produced it.
func IsFatal(err error) bool {
	return IsType(err, ErrorTypeEngineInit)
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext returns the context of the outermost ServiceError in err's chain.
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
