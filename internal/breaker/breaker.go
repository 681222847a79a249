// Package breaker implements the per-named-resource circuit breaker
// described in spec.md §4.3: Closed -> Open on a failure-count threshold,
// Open -> HalfOpen after a reset timeout, HalfOpen -> Closed on success or
// back to Open on failure.
//
// It is a thin wrapper over gobreaker.CircuitBreaker rather than a
// reimplementation: gobreaker.Counts already tracks consecutive failures and
// gobreaker.Settings' ReadyToTrip/Timeout already implement the three-state
// transition table. The wrapper exists to (a) expose the spec's named
// accessors (Name, State, FailureCount, LastFailureTime) directly instead of
// through gobreaker's Counts struct, and (b) make failure_threshold and
// reset_timeout configurable per registry instead of hardcoded, per
// spec.md §6.5.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors the three states in spec.md's CircuitBreaker entity.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrOpen is the sentinel matched by the *OpenError that Execute returns when
// the breaker is Open or HalfOpen and has exhausted its trial request
// allowance. That *OpenError also matches gobreaker's own sentinel, so
// errors.Is(err, gobreaker.ErrOpenState) still works for callers that care.
var ErrOpen = errors.New("circuit breaker open")

// Config configures a breaker. Corresponds to spec.md §6.5's
// "Circuit breaker: failure_threshold, reset_timeout".
type Config struct {
	FailureThreshold uint32        // consecutive failures before Closed -> Open
	ResetTimeout     time.Duration // Open -> HalfOpen delay since last_failure_time
	HalfOpenTrial    uint32        // requests allowed through while HalfOpen (default 1)
}

// DefaultConfig returns the teacher's original hardcoded values, now just a
// default rather than the only option.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenTrial:    1,
	}
}

// StateChangeFunc is invoked on every transition; the registry uses it to
// publish the breaker event described in spec.md §4.3 ("Each transition
// emits a breaker event").
type StateChangeFunc func(name string, from, to State)

// Breaker is a named circuit breaker.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// Name returns the breaker's key.
func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current state.
func (b *Breaker) State() State {
	return fromGobreakerState(b.cb.State())
}

// FailureCount returns the current consecutive-failure count. Reset to 0 on
// any Closed-state success, per spec.md §4.3.
func (b *Breaker) FailureCount() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

// LastFailureTime reports when the last failure was recorded under this
// breaker, or the zero time if none has occurred yet.
func (b *Breaker) LastFailureTime() time.Time {
	return b.cb.Counts().LastFailureTime
}

// Execute runs fn through the breaker. If the breaker is Open (or HalfOpen
// with no trial slots free), fn is not called and Execute returns an
// *OpenError carrying the breaker's name, which matches ErrOpen.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(fn)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return nil, &OpenError{Name: b.name, cause: err}
	}
	return result, err
}

// OpenError is the CircuitOpen(name) error from spec.md §7.
type OpenError struct {
	Name  string
	cause error
}

func (e *OpenError) Error() string { return "circuit breaker " + e.Name + " is open" }
func (e *OpenError) Unwrap() error { return ErrOpen }
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen || errors.Is(e.cause, target)
}

// Registry manages one Breaker per name, created lazily and held for the
// process lifetime per the DATA MODEL table's CircuitBreaker lifecycle note.
type Registry struct {
	mu            sync.Mutex
	cfg           Config
	onStateChange StateChangeFunc
	breakers      map[string]*Breaker
}

// NewRegistry creates a registry. onStateChange may be nil.
func NewRegistry(cfg Config, onStateChange StateChangeFunc) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.HalfOpenTrial == 0 {
		cfg.HalfOpenTrial = DefaultConfig().HalfOpenTrial
	}
	return &Registry{
		cfg:           cfg,
		onStateChange: onStateChange,
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	threshold := r.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.HalfOpenTrial,
		Interval:    0,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			if r.onStateChange != nil {
				r.onStateChange(n, fromGobreakerState(from), fromGobreakerState(to))
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A caller cancellation is not a resource failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	b := &Breaker{name: name, cb: cb}
	r.breakers[name] = b
	return b
}

// Snapshot returns every known breaker's current observable state, for
// diagnostics/status endpoints.
func (r *Registry) Snapshot() []BreakerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerStatus, 0, len(r.breakers))
	for name, b := range r.breakers {
		out = append(out, BreakerStatus{
			Name:            name,
			State:           b.State(),
			FailureCount:    b.FailureCount(),
			LastFailureTime: b.LastFailureTime(),
		})
	}
	return out
}

// BreakerStatus is a point-in-time read of a breaker, matching the DATA
// MODEL table's CircuitBreaker entity shape.
type BreakerStatus struct {
	Name            string
	State           State
	FailureCount    uint32
	LastFailureTime time.Time
}
