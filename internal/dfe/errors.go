package dfe

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRateLimited          = errors.New("rate limited")
	ErrTransientNetwork     = errors.New("transient network error")
	ErrUpstreamSchema       = errors.New("upstream schema error")
	ErrUnsupportedType      = errors.New("unsupported document type")
)

// RateLimitedError carries the deadline before which the pair must not be
// queried again. RetryAfter is zero when the authority gave no hint.
type RateLimitedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.Until.IsZero() {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s until %s", ErrRateLimited, e.Until.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// SchemaError reports a distribution envelope that could not be understood.
// Body holds the raw response so it can be kept for inspection.
type SchemaError struct {
	Reason string
	Body   []byte
}

func (e *SchemaError) Error() string { return fmt.Sprintf("%s: %s", ErrUpstreamSchema, e.Reason) }

func (e *SchemaError) Unwrap() error { return ErrUpstreamSchema }

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransientNetwork, fmt.Sprintf(format, args...))
}

func authFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthenticationFailed, fmt.Sprintf(format, args...))
}
