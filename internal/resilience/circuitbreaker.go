// Package resilience keeps a voice session usable when a provider backend
// misbehaves.
//
// Every configured LLM, STT and TTS backend is guarded by its own
// [CircuitBreaker]. After a run of consecutive failures the breaker opens and
// the backend is skipped, so a dead speech recogniser does not stall every
// utterance for a full request timeout. [FallbackGroup] chains backends of the
// same kind and tries them in order.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets a few trial calls through. Enough successes close
	// the breaker, a single failure opens it again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name is the provider name used in logs, e.g. "deepgram".
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before allowing trial
	// calls. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls that must succeed to close the
	// breaker again. Default: 3.
	HalfOpenMax int

	// Now replaces time.Now. Used by tests.
	Now func() time.Time
}

// CircuitBreaker guards one provider backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	trials      int
	trialOK     int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		now:          cfg.Now,
	}
}

// Execute calls fn unless the breaker rejects it with [ErrCircuitOpen]. The
// outcome of fn is recorded.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.fail(trial)
	} else {
		cb.succeed(trial)
	}
	return err
}

// admit decides whether a call may run and whether it counts as a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trials, cb.trialOK = 0, 0
		slog.Info("resilience: provider circuit half-open, allowing trial calls", "provider", cb.name)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

// fail records a failed call. cb.mu must be held.
func (cb *CircuitBreaker) fail(trial bool) {
	cb.lastFailure = cb.now()
	if trial {
		cb.state = StateOpen
		slog.Warn("resilience: provider failed a trial call, circuit open again", "provider", cb.name)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("resilience: provider circuit opened", "provider", cb.name, "consecutive_failures", cb.failures)
	}
}

// succeed records a successful call. cb.mu must be held.
func (cb *CircuitBreaker) succeed(trial bool) {
	if !trial {
		cb.failures = 0
		return
	}
	cb.trialOK++
	if cb.state == StateHalfOpen && cb.trialOK >= cb.halfOpenMax {
		cb.state = StateClosed
		cb.failures, cb.trials, cb.trialOK = 0, 0, 0
		slog.Info("resilience: provider recovered, circuit closed", "provider", cb.name)
	}
}

// State returns the breaker state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the switch itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures, cb.trials, cb.trialOK = 0, 0, 0
	slog.Info("resilience: provider circuit reset", "provider", cb.name)
}
