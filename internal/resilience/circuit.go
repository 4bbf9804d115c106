package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	// CircuitClosed lets every call through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cool-down has passed.
	CircuitOpen
	// CircuitHalfOpen lets trial calls through after the cool-down.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling the backend while the breaker is open.
// It is not transient, so retries stop on it.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig controls when a Breaker opens and closes.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures that
	// opens the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open. Default: 30s.
	Cooldown time.Duration

	// HalfOpenSuccesses closes a half-open circuit. Default: 1.
	HalfOpenSuccesses int

	// ShouldTrip decides which errors count as failures. Default: IsTransient,
	// so a 404 or a validation error never opens the circuit.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the lock held; it must not call back into
	// the breaker.
	OnStateChange func(from, to CircuitState)
}

// DefaultBreakerConfig returns the policy used in front of the quoting backend.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		HalfOpenSuccesses: 1,
	}
}

// Breaker fails calls fast while the backend is unhealthy.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	successes int
}

// NewBreaker creates a closed Breaker. Zero config fields take the defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// State returns the current state. An open circuit whose cool-down has
// passed reports half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.cooledDownLocked() {
		return CircuitHalfOpen
	}
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.transitionLocked(CircuitClosed)
}

func (b *Breaker) cooledDownLocked() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return nil
	}
	if !b.cooledDownLocked() {
		return ErrCircuitOpen
	}
	b.successes = 0
	b.transitionLocked(CircuitHalfOpen)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		switch b.state {
		case CircuitHalfOpen:
			b.successes++
			if b.successes >= b.cfg.HalfOpenSuccesses {
				b.failures = 0
				b.transitionLocked(CircuitClosed)
			}
		case CircuitClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch b.state {
	case CircuitHalfOpen:
		b.openLocked()
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	}
}

func (b *Breaker) openLocked() {
	b.openedAt = b.now()
	b.successes = 0
	b.transitionLocked(CircuitOpen)
}

func (b *Breaker) transitionLocked(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
