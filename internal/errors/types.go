package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Category classifies errors for retry and run-termination decisions.
type Category int

const (
	// CategoryTransient - retry-able upstream errors (timeouts, 429, 5xx).
	CategoryTransient Category = iota
	// CategoryItem - one item of a batch failed; recorded, never fatal.
	CategoryItem
	// CategoryFatal - terminates the owning run (bad credentials, misconfig).
	CategoryFatal
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int // HTTP status code if applicable
	RetryAfter int // Seconds to wait before retry (from Retry-After header)
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError terminates its owning pipeline run.
type FatalError struct {
	Err        error
	StatusCode int
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ItemError records a single failed item inside a batch; orchestrators
// accumulate these instead of propagating them.
type ItemError struct {
	Item string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %q: %v", e.Item, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Transient wraps err as retry-able with an optional HTTP status.
func Transient(err error, status int) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, StatusCode: status}
}

// Fatal wraps err as run-terminating.
func Fatal(err error, status int) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err, StatusCode: status}
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "temporarily unavailable", "connection reset", "too many requests", "rate limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err must terminate the owning run.
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}

// RetryableStatus reports whether an HTTP status code warrants a retry.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// AuthStatus reports whether an HTTP status code indicates rejected credentials.
func AuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// FromHTTPStatus classifies an upstream HTTP failure.
func FromHTTPStatus(status int, body string) error {
	err := fmt.Errorf("upstream returned %d: %s", status, truncate(body, 200))
	switch {
	case RetryableStatus(status):
		return &TransientError{Err: err, StatusCode: status}
	case AuthStatus(status):
		return &FatalError{Err: err, StatusCode: status}
	default:
		return err
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
