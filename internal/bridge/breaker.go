package bridge

import (
	"errors"
	"log"
	"sync"
	"time"

	"corral/internal/model"
)

var ErrCircuitOpen = errors.New("circuit open")

// PersistFunc receives a snapshot after every state transition so the
// breaker can be restored across restarts. It must not block.
type PersistFunc func(model.CircuitBreakerState)

// Breaker is a three-state circuit breaker guarding one outbound channel.
//
//	closed    -> open       after failureThreshold consecutive failures
//	open      -> half_open  once recoveryTimeout has elapsed
//	half_open -> closed     once all probeMax probes have succeeded
//	half_open -> open       on any failed probe
//
// In half_open at most probeMax calls are admitted before further requests
// are rejected until the state settles.
type Breaker struct {
	mu sync.Mutex

	channel          string
	failureThreshold int
	recoveryTimeout  time.Duration
	probeMax         int

	state     model.CircuitState
	failures  int
	openedAt  time.Time
	probes    int
	probeSucc int

	persist PersistFunc
	clock   func() time.Time
}

func NewBreaker(channel string, failureThreshold int, recoveryTimeout time.Duration, probeMax int, persist PersistFunc) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	if probeMax <= 0 {
		probeMax = 3
	}
	return &Breaker{
		channel:          channel,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		probeMax:         probeMax,
		state:            model.CircuitClosed,
		persist:          persist,
		clock:            time.Now,
	}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen while
// the circuit is open or the half-open probe budget is spent.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case model.CircuitClosed:
		return nil
	case model.CircuitOpen:
		if b.clock().Sub(b.openedAt) < b.recoveryTimeout {
			return ErrCircuitOpen
		}
		b.transition(model.CircuitHalfOpen)
		b.probes = 1
		return nil
	default: // half_open
		if b.probes >= b.probeMax {
			return ErrCircuitOpen
		}
		b.probes++
		return nil
	}
}

// Success records a successful call. The circuit closes only after every
// admitted half-open probe has succeeded.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case model.CircuitClosed:
		b.failures = 0
	case model.CircuitHalfOpen:
		b.probeSucc++
		if b.probeSucc >= b.probeMax {
			b.transition(model.CircuitClosed)
		}
	}
}

// Failure records a failed call. Consecutive failures at or past the
// threshold, or any failure while half-open, open the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case model.CircuitHalfOpen:
		b.transition(model.CircuitOpen)
	case model.CircuitClosed:
		if b.failures >= b.failureThreshold {
			b.transition(model.CircuitOpen)
		}
	}
}

func (b *Breaker) State() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() model.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Restore reinstates persisted state, typically at startup.
func (b *Breaker) Restore(st model.CircuitBreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.State == "" {
		return
	}
	b.state = st.State
	b.failures = st.ConsecutiveFailures
	b.probes = b.probeMax - st.ProbeBudget
	b.probeSucc = 0
	if b.state == model.CircuitHalfOpen {
		// Probe successes are not persisted; restart the probe round so a
		// restored half-open circuit cannot strand with a spent budget.
		b.probes = 0
	}
	if st.OpenedAt != nil {
		b.openedAt = *st.OpenedAt
	}
}

// transition assumes b.mu is held.
func (b *Breaker) transition(to model.CircuitState) {
	from := b.state
	b.state = to
	switch to {
	case model.CircuitOpen:
		b.openedAt = b.clock()
		b.probeSucc = 0
	case model.CircuitHalfOpen:
		b.probeSucc = 0
	case model.CircuitClosed:
		b.failures = 0
		b.probes = 0
		b.probeSucc = 0
		b.openedAt = time.Time{}
	}
	log.Printf("[bridge] circuit %s: %s -> %s", b.channel, from, to)
	if b.persist != nil {
		b.persist(b.snapshotLocked())
	}
}

// snapshotLocked assumes b.mu is held.
func (b *Breaker) snapshotLocked() model.CircuitBreakerState {
	st := model.CircuitBreakerState{
		Channel:             b.channel,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ProbeBudget:         b.probeMax - b.probes,
		UpdatedAt:           b.clock(),
	}
	if !b.openedAt.IsZero() {
		opened := b.openedAt
		st.OpenedAt = &opened
	}
	return st
}
