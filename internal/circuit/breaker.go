package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleet-trader/internal/events"
	"fleet-trader/internal/metrics"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"    // Calls pass through
	StateOpen     State = "OPEN"      // Calls rejected without I/O
	StateHalfOpen State = "HALF_OPEN" // One trial call allowed
)

// OpenError is returned when a call is rejected because the breaker is open.
// No network I/O has been attempted.
type OpenError struct {
	Domain    string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("trading suspended for domain %s, retry in %v",
		e.Domain, e.Remaining.Round(time.Second))
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Breaker isolates one external call domain. Consecutive failures open the
// breaker; after the recovery timeout a single trial call decides whether it
// closes again. Safe for concurrent use by multiple workers.
type Breaker struct {
	domain           string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool

	onStateChange func(domain string, from, to State)

	bus    *events.EventBus
	logger zerolog.Logger
}

// New creates a breaker for one call domain. bus may be nil.
func New(domain string, failureThreshold int, recoveryTimeout time.Duration, bus *events.EventBus, logger zerolog.Logger) *Breaker {
	return &Breaker{
		domain:           domain,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
		bus:              bus,
		logger:           logger.With().Str("component", "circuit_breaker").Str("domain", domain).Logger(),
	}
}

// OnStateChange sets a callback invoked synchronously on every transition.
func (b *Breaker) OnStateChange(fn func(domain string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Call is the sole entry point. It either rejects immediately with an
// OpenError or runs fn and records the outcome.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed, handling the OPEN -> HALF_OPEN
// transition and the single-probe rule.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := time.Since(b.lastFailure)
		if elapsed < b.recoveryTimeout {
			return &OpenError{Domain: b.domain, Remaining: b.recoveryTimeout - elapsed}
		}
		b.transition(StateHalfOpen, "recovery timeout elapsed")
		b.probing = true
		return nil

	case StateHalfOpen:
		if b.probing {
			return &OpenError{Domain: b.domain, Remaining: 0}
		}
		b.probing = true
		return nil
	}

	return nil
}

// record updates counters after fn returns.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.probing
	b.probing = false

	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen && wasProbe {
			b.transition(StateClosed, "trial call succeeded")
		}
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	metrics.BreakerFailures.WithLabelValues(b.domain).Inc()

	if b.state == StateHalfOpen && wasProbe {
		b.transition(StateOpen, "trial call failed")
		return
	}

	if b.state == StateClosed && b.failures >= b.failureThreshold {
		b.transition(StateOpen, fmt.Sprintf("%d consecutive failures", b.failures))
	}
}

// transition changes state. Caller must hold b.mu.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	evt := b.logger.Info()
	if to == StateOpen {
		evt = b.logger.Warn()
	}
	evt.Str("from", string(from)).Str("to", string(to)).Str("reason", reason).
		Msg("circuit breaker state changed")

	metrics.SetBreakerState(b.domain, string(to))

	if b.onStateChange != nil {
		b.onStateChange(b.domain, from, to)
	}
	if b.bus != nil {
		b.bus.PublishBreakerState(b.domain, string(from), string(to), reason)
	}
}

// Reset forces the breaker back to CLOSED and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.transition(StateClosed, "manual reset")
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Domain returns the call domain this breaker guards.
func (b *Breaker) Domain() string {
	return b.domain
}

// Stats returns current counters for the status API.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"domain":            b.domain,
		"state":             string(b.state),
		"failure_count":     b.failures,
		"failure_threshold": b.failureThreshold,
		"last_failure_time": b.lastFailure,
	}
}
