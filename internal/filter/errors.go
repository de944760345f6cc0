package filter

import (
	"context"
	"errors"
	"fmt"
)

// ConfigError reports a task that cannot run as configured: validation
// failures, unknown types and queries the engine rejects.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports a failure to bootstrap the engine session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("engine connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExtractionError reports a result cell that could not be converted. Row is
// 0-based within the invocation.
type ExtractionError struct {
	Row    int
	Column string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("extract row %d: %v", e.Row, e.Err)
	}
	return fmt.Sprintf("extract row %d column %q: %v", e.Row, e.Column, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// FailureKind classifies err for metrics and API responses.
func FailureKind(err error) string {
	var configErr *ConfigError
	var connErr *ConnectionError
	var extractErr *ExtractionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &configErr):
		return "config"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &extractErr):
		return "extraction"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "engine"
	}
}
