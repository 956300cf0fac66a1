// Package resilience implements the circuit breaker and retry policy used
// around every remote call in the pipeline.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of a Breaker.
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

// BreakerSettings configures a Breaker. A breaker trips on FailureThreshold
// consecutive failures, or when at least MinCalls outcomes are in the rolling
// window of WindowSize and FailureRatePct of them failed. Zero disables a rule.
type BreakerSettings struct {
	Name             string
	FailureThreshold int
	FailureRatePct   float64
	WindowSize       int
	MinCalls         int
	OpenTimeout      time.Duration
	HalfOpenProbes   int
	OnStateChange    func(name string, from, to State)
	Now              func() time.Time
}

// Breaker is a CLOSED -> OPEN -> HALF_OPEN state machine. All transitions
// happen under mu.
type Breaker struct {
	settings BreakerSettings

	mu          sync.Mutex
	state       State
	generation  uint64
	consecutive int
	window      []bool
	next        int
	filled      int
	openedAt    time.Time
	admitted    int
	succeeded   int
}

// NewBreaker constructs a breaker in the CLOSED state.
func NewBreaker(settings BreakerSettings) *Breaker {
	if settings.WindowSize <= 0 {
		settings.WindowSize = 20
	}
	if settings.HalfOpenProbes <= 0 {
		settings.HalfOpenProbes = 1
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{
		settings: settings,
		window:   make([]bool, settings.WindowSize),
	}
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string {
	return b.settings.Name
}

// State returns the current state, moving OPEN to HALF_OPEN once the open
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.settings.Now())
	return b.state
}

// Allow asks for permission to make a call. On success the caller must
// invoke done exactly once with the call outcome. Outcomes reported for a
// previous generation of the breaker are ignored.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.settings.Now())

	switch b.state {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if b.admitted >= b.settings.HalfOpenProbes {
			return nil, ErrCircuitOpen
		}
		b.admitted++
	}

	generation := b.generation
	var once sync.Once
	return func(success bool) {
		once.Do(func() { b.record(generation, success) })
	}, nil
}

func (b *Breaker) record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}

	switch b.state {
	case StateClosed:
		b.observe(success)
		if b.shouldTrip() {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			b.transition(StateOpen)
			return
		}
		b.succeeded++
		if b.succeeded >= b.settings.HalfOpenProbes {
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) observe(success bool) {
	if success {
		b.consecutive = 0
	} else {
		b.consecutive++
	}
	b.window[b.next] = !success
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) shouldTrip() bool {
	if b.settings.FailureThreshold > 0 && b.consecutive >= b.settings.FailureThreshold {
		return true
	}
	if b.settings.FailureRatePct <= 0 || b.filled < b.settings.MinCalls || b.filled == 0 {
		return false
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures)*100/float64(b.filled) >= b.settings.FailureRatePct
}

func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.OpenTimeout {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.admitted = 0
	b.succeeded = 0

	switch to {
	case StateOpen:
		b.openedAt = b.settings.Now()
	case StateClosed:
		b.consecutive = 0
		b.next = 0
		b.filled = 0
		for i := range b.window {
			b.window[i] = false
		}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}
