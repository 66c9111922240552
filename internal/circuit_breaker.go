package internal

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/lychee-technology/hyperform"
	"go.uber.org/zap"
)

// CircuitBreaker counts failures in a sliding window and refuses work for
// openDuration once threshold failures have accumulated.
type CircuitBreaker struct {
	mu           sync.Mutex
	failures     []time.Time
	threshold    int
	window       time.Duration
	openUntil    time.Time
	openDuration time.Duration
	now          func() time.Time
}

// NewCircuitBreaker creates a configured circuit breaker.
func NewCircuitBreaker(threshold int, window, openDuration time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		window:       window,
		openDuration: openDuration,
		failures:     make([]time.Time, 0, threshold),
		now:          time.Now,
	}
}

// RecordFailure records a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cutoff := now.Add(-cb.window)
	i := 0
	for ; i < len(cb.failures); i++ {
		if cb.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		cb.failures = append([]time.Time{}, cb.failures[i:]...)
	}
	cb.failures = append(cb.failures, now)

	if len(cb.failures) >= cb.threshold {
		cb.openUntil = now.Add(cb.openDuration)
	}
}

// RecordSuccess resets failure history.
func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = cb.failures[:0]
	cb.openUntil = time.Time{}
}

// IsOpen returns true if the breaker is currently open.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb == nil {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.now().Before(cb.openUntil)
}

// breakerTransport keeps one breaker per host. Transport errors and 5xx
// responses count as failures. While a host's breaker is open requests fail
// immediately with CIRCUIT_OPEN; nothing is retried.
type breakerTransport struct {
	next       hyperform.Transport
	newBreaker func() *CircuitBreaker

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerTransport wraps next with per-host circuit breakers.
func NewBreakerTransport(next hyperform.Transport, cfg hyperform.CircuitBreakerConfig) hyperform.Transport {
	return &breakerTransport{
		next: next,
		newBreaker: func() *CircuitBreaker {
			return NewCircuitBreaker(cfg.Threshold, cfg.Window, cfg.OpenDuration)
		},
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (t *breakerTransport) breakerFor(rawURL string) *CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[host]
	if !ok {
		cb = t.newBreaker()
		t.breakers[host] = cb
	}
	return cb
}

func (t *breakerTransport) Do(ctx context.Context, req *hyperform.TransportRequest) (*hyperform.TransportResponse, error) {
	cb := t.breakerFor(req.URL)
	if cb.IsOpen() {
		zap.S().Warnw("circuit open, refusing request", "method", req.Method, "url", req.URL)
		EmitCircuitOpen(ctx, req.URL)
		return nil, hyperform.NewCircuitOpenError(req.URL)
	}
	resp, err := t.next.Do(ctx, req)
	switch {
	case err != nil:
		// a caller giving up says nothing about the server
		if ctx.Err() == nil {
			cb.RecordFailure()
		}
	case resp.StatusCode >= 500:
		cb.RecordFailure()
	default:
		cb.RecordSuccess()
	}
	return resp, err
}
