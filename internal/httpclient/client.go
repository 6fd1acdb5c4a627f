package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	atlaserrors "atlas/internal/errors"
	"atlas/internal/logging"
)

// DefaultTimeout applies to every upstream request unless overridden.
const DefaultTimeout = 60 * time.Second

// New builds an HTTP client with a per-request timeout.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	_ = logging.OrNop(logger)
	return &http.Client{Timeout: timeout}
}

// NewWithCircuitBreaker builds an HTTP client guarded by a circuit breaker.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	client := New(timeout, logger)
	client.Transport = WrapTransportWithCircuitBreaker(client.Transport, name, atlaserrors.DefaultCircuitBreakerConfig())
	return client
}

// WrapTransportWithCircuitBreaker wraps a transport with circuit breaker
// protection.
func WrapTransportWithCircuitBreaker(base http.RoundTripper, name string, config atlaserrors.CircuitBreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &circuitBreakerRoundTripper{
		base:    base,
		breaker: atlaserrors.NewCircuitBreaker(name, config),
	}
}

type circuitBreakerRoundTripper struct {
	base    http.RoundTripper
	breaker *atlaserrors.CircuitBreaker
}

func (t *circuitBreakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if atlaserrors.RetryableStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("upstream status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}
