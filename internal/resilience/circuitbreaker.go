// Package resilience provides circuit breaker and provider failover primitives
// for the LLM backends that plan and write chat answers.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] pairs each provider with its own breaker and tries them in
// registration order; [LLMFallback] applies that to [llm.Provider]. Caller
// cancellation is never counted against a provider.
//
// Tool calls against the market-data provider are not wrapped here: a failed
// tool call is reported to the model, not retried.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the trial state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of trial calls allowed in the half-open
	// state before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error returned by the protected call counts
	// toward opening the breaker. Default: every error except context
	// cancellation and deadline expiry.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition with the
	// breaker lock released.
	OnStateChange func(name string, from, to State)

	// Now is the clock used for reset timing. Default: time.Now.
	Now func() time.Time
}

// countsAsFailure is the default IsFailure.
func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	trials    int
	trialWins int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
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
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// transition is a state change recorded under the lock and announced after it
// is released.
type transition struct {
	from, to State
}

// setState moves the breaker to `to` and resets the counters that belong to
// the new state. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) *transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.trials, cb.trialWins = 0, 0
	switch to {
	case StateClosed:
		cb.failures = 0
	case StateOpen:
		cb.openedAt = cb.cfg.Now()
	}
	return &transition{from: from, to: to}
}

// announce logs tr and runs the OnStateChange hook. A nil tr is a no-op.
func (cb *CircuitBreaker) announce(tr *transition) {
	if tr == nil {
		return
	}
	level := slog.LevelInfo
	if tr.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", tr.from.String(), "to", tr.to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, tr.from, tr.to)
	}
}

// cooled reports whether an open breaker has waited out its reset timeout.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) cooled() bool {
	return cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

// admit decides whether a call may run and whether it is a half-open trial.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) admit() (trial bool, tr *transition, err error) {
	if cb.state == StateOpen {
		if !cb.cooled() {
			return false, nil, ErrCircuitOpen
		}
		tr = cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMax {
			return false, tr, ErrCircuitOpen
		}
		cb.trials++
		return true, tr, nil
	}
	return false, tr, nil
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state a limited number
// of trial calls are permitted. Errors rejected by IsFailure are returned
// unchanged but leave the breaker state as it was, releasing any half-open
// trial slot they held.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	trial, tr, err := cb.admit()
	cb.mu.Unlock()
	cb.announce(tr)
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	tr = cb.settle(trial, err)
	cb.mu.Unlock()
	cb.announce(tr)
	return err
}

// settle applies the outcome of one admitted call. Must be called with cb.mu
// held.
func (cb *CircuitBreaker) settle(trial bool, err error) *transition {
	// A trial admitted before a concurrent transition no longer belongs to
	// the current half-open round.
	if trial && cb.state != StateHalfOpen {
		trial = false
		if err == nil {
			return nil
		}
	}
	switch {
	case err == nil && trial:
		cb.trialWins++
		if cb.trialWins >= cb.cfg.HalfOpenMax {
			return cb.setState(StateClosed)
		}
	case err == nil:
		cb.failures = 0
	case !cb.cfg.IsFailure(err):
		if trial {
			cb.trials--
		}
	case trial:
		cb.failures = cb.cfg.MaxFailures
		return cb.setState(StateOpen)
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			return cb.setState(StateOpen)
		}
	}
	return nil
}

// State returns the current [State] of the breaker. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the transition itself happens
// on the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooled() {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Reset forces the breaker back to [StateClosed] and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.setState(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	cb.announce(tr)
}
