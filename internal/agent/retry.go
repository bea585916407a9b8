package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// RetryConfig holds retry and protection settings for engine calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)
	Timeout           time.Duration // Per-request timeout (default: 120s)

	// Circuit breaker settings
	CircuitBreakerEnabled bool          // Enable circuit breaker (default: true)
	FailureThreshold      int           // Failures before opening circuit (default: 5)
	SuccessThreshold      int           // Successes in half-open before closing (default: 2)
	OpenTimeout           time.Duration // How long to keep circuit open (default: 30s)

	// Concurrency limit across all flows sharing the engine
	MaxConcurrentCalls int // Maximum concurrent engine calls (default: 3, 0 = unlimited)

	// Client-side request rate, applied before every attempt
	RequestsPerSecond float64 // 0 = unlimited
	Burst             int     // rate limiter burst (default: max(1, ceil(rate)))
}

// DefaultRetryConfig returns sensible retry defaults for engine calls.
// Discovery phases run long prompts, so the per-request timeout is wider
// than a typical API client default.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		Timeout:               120 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		OpenTimeout:           30 * time.Second,
		MaxConcurrentCalls:    3,
		RequestsPerSecond:     2,
		Burst:                 4,
	}
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker prevents cascading failures: after FailureThreshold
// consecutive failures it fails fast for OpenTimeout, then probes with a
// limited number of requests before resuming normal operation.
type CircuitBreaker struct {
	mu sync.Mutex

	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		lastStateChange:  time.Now(),
	}
}

// Allow checks if a request should be allowed through the circuit
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// Move to half-open once the open timeout has elapsed
		if time.Since(cb.lastStateChange) >= cb.openTimeout {
			cb.transitionToHalfOpen()
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		return nil

	default:
		return fmt.Errorf("unknown circuit state: %v", cb.state)
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		if cb.failureCount > 0 {
			cb.failureCount = 0
		}

	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transitionToClosed()
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionToOpen()
		}

	case CircuitHalfOpen:
		// Any failure while probing reopens the circuit
		cb.transitionToOpen()
	}
}

// GetState returns the current state (for testing/monitoring)
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics returns current metrics (for monitoring/logging)
func (cb *CircuitBreaker) GetMetrics() (state CircuitState, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failureCount, cb.successCount
}

// transitionToClosed moves the circuit to closed state (must be called with lock held)
func (cb *CircuitBreaker) transitionToClosed() {
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	fmt.Printf("Engine circuit breaker: %s → %s (failures reset)\n", oldState, cb.state)
}

// transitionToOpen moves the circuit to open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToOpen() {
	oldState := cb.state
	cb.state = CircuitOpen
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	fmt.Printf("Engine circuit breaker: %s → %s (failures=%d, will probe in %v)\n",
		oldState, cb.state, cb.failureCount, cb.openTimeout)
}

// transitionToHalfOpen moves the circuit to half-open state (must be called with lock held)
func (cb *CircuitBreaker) transitionToHalfOpen() {
	oldState := cb.state
	cb.state = CircuitHalfOpen
	cb.successCount = 0
	cb.lastStateChange = time.Now()
	fmt.Printf("Engine circuit breaker: %s → %s (probing for recovery)\n", oldState, cb.state)
}

// withRetry executes one engine operation with bounded exponential
// backoff. Each attempt passes the circuit breaker, waits for a rate
// limiter slot, and runs under the per-request timeout. The concurrency
// semaphore is held across all attempts so retries cannot multiply load.
func (e *AnthropicEngine) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire engine slot for %s: %w", operation, err)
		}
		defer e.sem.Release(1)
	}

	var lastErr error
	backoff := e.retry.InitialBackoff

	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if e.circuit != nil {
			if err := e.circuit.Allow(); err != nil {
				// Circuit is open, fail fast without retrying
				state, failures, _ := e.circuit.GetMetrics()
				fmt.Fprintf(os.Stderr, "Engine call %s blocked by circuit breaker (state=%s, failures=%d)\n",
					operation, state, failures)
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s failed: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.retry.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if e.circuit != nil {
				e.circuit.RecordSuccess()
			}
			if attempt > 0 {
				fmt.Printf("Engine call %s succeeded after %d retries\n", operation, attempt)
			}
			return nil
		}

		lastErr = err

		// Non-retriable errors (auth, malformed request) must not count
		// against the circuit: they say nothing about service health.
		if e.circuit != nil && isRetriable(err) {
			e.circuit.RecordFailure()
		}

		if !isRetriable(err) {
			fmt.Fprintf(os.Stderr, "Engine call %s failed with non-retriable error: %v\n", operation, err)
			return err
		}

		if attempt == e.retry.MaxRetries {
			break
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: context canceled: %w", operation, ctx.Err())
		}

		fmt.Printf("Engine call %s failed (attempt %d/%d), retrying in %v: %v\n",
			operation, attempt+1, e.retry.MaxRetries+1, backoff, err)

		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * e.retry.BackoffMultiplier)
			if backoff > e.retry.MaxBackoff {
				backoff = e.retry.MaxBackoff
			}
		case <-ctx.Done():
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, e.retry.MaxRetries+1, lastErr)
}

// isRetriable determines if an engine error is transient
func isRetriable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// The SDK wraps HTTP failures; classify by status code and message
	errStr := err.Error()

	// Rate limits (429) are retriable
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}

	// Server errors (5xx) are retriable
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	// Network/connection errors are retriable
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	// Remaining 4xx client errors won't succeed on retry
	if strings.Contains(errStr, "400") || strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") || strings.Contains(errStr, "404") {
		return false
	}

	// Default to not retrying unknown errors
	return false
}
