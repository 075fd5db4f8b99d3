// Package retry classifies pipeline errors, retries transient failures
// with exponential backoff and jitter, and trips a circuit breaker when a
// downstream dependency (a provider adapter, the Anthropic API) keeps
// failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrorCategory classifies a failure so the retry manager knows whether
// and how aggressively to retry it.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryTransient
	CategoryRateLimited
	CategoryServiceUnavailable
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryServiceUnavailable:
		return "service_unavailable"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var permanentPatterns = []string{"unauthorized", "forbidden", "not found", "invalid api key", "bad request"}
var rateLimitPatterns = []string{"rate limit", "too many requests", "429"}
var transientPatterns = []string{"timeout", "connection reset", "temporary failure", "broken pipe", "eof"}
var serviceUnavailablePatterns = []string{"service unavailable", "503", "bad gateway", "502", "gateway timeout", "504"}

// Classify inspects err's message against known patterns, checked in the
// order permanent, rate_limited, service_unavailable, transient, falling
// through to unknown when nothing matches.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg, permanentPatterns) {
		return CategoryPermanent
	}
	if containsAny(msg, rateLimitPatterns) {
		return CategoryRateLimited
	}
	if containsAny(msg, serviceUnavailablePatterns) {
		return CategoryServiceUnavailable
	}
	if containsAny(msg, transientPatterns) {
		return CategoryTransient
	}
	return CategoryUnknown
}

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Config controls retry timing and which categories are retried.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	RetryOn        []ErrorCategory
}

// DefaultConfig returns conservative defaults: retry transient,
// rate_limited, and service_unavailable failures; never retry permanent
// or unclassified ones.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.1,
		RetryOn:        []ErrorCategory{CategoryTransient, CategoryRateLimited, CategoryServiceUnavailable},
	}
}

func (c Config) retries(category ErrorCategory) bool {
	for _, cat := range c.RetryOn {
		if cat == category {
			return true
		}
	}
	return false
}

// delayMultiplier scales the base exponential delay for categories known
// to need more breathing room before the next attempt.
func delayMultiplier(category ErrorCategory) time.Duration {
	switch category {
	case CategoryRateLimited:
		return 2
	case CategoryServiceUnavailable:
		return 3
	default:
		return 1
	}
}

// ErrCircuitOpen is returned by Manager.Execute when the circuit breaker
// is open and a call is rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState enumerates the breaker's three states.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips open after FailureThreshold consecutive failures,
// moves to half-open after RecoveryTimeout elapses, and closes again
// after SuccessThreshold consecutive successes in the half-open state. A
// single failure while half-open reopens it immediately.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int

	state            CircuitState
	consecutiveFails int
	halfOpenSuccess  int
	openedAt         time.Time
}

// NewCircuitBreaker constructs a closed circuit breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed, transitioning open->half_open
// once the recovery timeout has elapsed.
func (b *CircuitBreaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) >= b.recoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenSuccess = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess registers a successful call, closing the breaker once
// enough consecutive successes accumulate in the half-open state.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state == StateHalfOpen {
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.successThreshold {
			b.state = StateClosed
		}
	}
}

// RecordFailure registers a failed call. A failure while half-open
// reopens the breaker immediately; a closed breaker opens once
// consecutive failures reach the failure threshold.
func (b *CircuitBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager executes an operation with classification-aware retries,
// exponential backoff with jitter (via sethvargo/go-retry), and an
// attached circuit breaker.
type Manager struct {
	cfg     Config
	breaker *CircuitBreaker
}

// NewManager builds a Manager from cfg and an optional breaker (nil
// disables circuit-breaking).
func NewManager(cfg Config, breaker *CircuitBreaker) *Manager {
	return &Manager{cfg: cfg, breaker: breaker}
}

// Execute runs op, retrying according to the manager's configuration. It
// returns ErrCircuitOpen immediately without calling op if the breaker is
// open, and returns the last error once retries are exhausted or the
// error's category is not in RetryOn.
func (m *Manager) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if m.breaker != nil && !m.breaker.Allow(time.Now()) {
		return ErrCircuitOpen
	}

	base, err := retry.NewExponential(m.cfg.BaseDelay)
	if err != nil {
		return fmt.Errorf("build backoff: %w", err)
	}
	backoff := retry.WithJitterPercent(uint64(m.cfg.JitterFraction*100), retry.WithCappedDuration(m.cfg.MaxDelay, base))

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if m.breaker != nil {
				m.breaker.RecordSuccess()
			}
			return nil
		}

		lastErr = err
		category := Classify(err)
		if m.breaker != nil {
			m.breaker.RecordFailure(time.Now())
		}
		if !m.cfg.retries(category) || attempt == m.cfg.MaxAttempts-1 {
			return lastErr
		}

		delay, stop := backoff.Next()
		if stop {
			return lastErr
		}
		delay *= delayMultiplier(category)
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
