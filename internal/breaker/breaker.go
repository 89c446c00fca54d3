// ABOUTME: Circuit breaker state machine guarding one unreliable remote call.
// ABOUTME: CLOSED/OPEN/HALF_OPEN transitions with metrics and manual overrides.

package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hivewire/hivewire/internal/clock"
)

// ErrOpen is returned by Execute when the circuit is open and the
// recovery timeout has not yet elapsed. It is distinguishable from the
// wrapped operation's own failure via errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls the breaker's thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in
	// HALF_OPEN that closes the circuit again.
	SuccessThreshold int

	// RecoveryTimeout is how long an open circuit waits before letting
	// a trial call through.
	RecoveryTimeout time.Duration

	// MonitoringPeriod bounds how long a CLOSED failure streak stays
	// relevant; failures older than this are aged out.
	MonitoringPeriod time.Duration
}

func (c Config) validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be > 0, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold <= 0 {
		return fmt.Errorf("success threshold must be > 0, got %d", c.SuccessThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be > 0, got %v", c.RecoveryTimeout)
	}
	if c.MonitoringPeriod <= 0 {
		return fmt.Errorf("monitoring period must be > 0, got %v", c.MonitoringPeriod)
	}
	return nil
}

// Metrics is a snapshot of the breaker's counters.
type Metrics struct {
	State            State
	FailureCount     int
	SuccessCount     int
	TotalRequests    int64
	RejectedRequests int64
	LastFailureTime  time.Time
	LastSuccessTime  time.Time
}

// Breaker guards one logical remote dependency. One instance per
// dependency; all state is protected by a single mutex so the
// allow/record pair has no race window.
type Breaker struct {
	name   string
	cfg    Config
	clk    clock.Clock
	logger *slog.Logger

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	totalRequests    int64
	rejectedRequests int64
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	openedAt         time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects a clock. Tests use a fake to step through the
// recovery timeout without sleeping.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clk = c }
}

// WithLogger sets the logger for state transition events.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New creates a circuit breaker in the CLOSED state.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("breaker %q: %w", name, err)
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		clk:    clock.New(),
		logger: slog.Default().With("component", "breaker", "breaker", name),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs op under the breaker's supervision. While OPEN and
// before the recovery timeout, it returns ErrOpen without invoking op.
// The first call after the timeout transitions to HALF_OPEN before
// running op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	b.afterCall(err)
	return err
}

// CanExecute reports whether a call would be allowed right now. It
// does not mutate state; OPEN circuits report true once the recovery
// timeout has elapsed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true
	}
	return !b.clk.Now().Before(b.openedAt.Add(b.cfg.RecoveryTimeout))
}

// beforeCall decides admission and performs the OPEN -> HALF_OPEN
// transition atomically with that decision.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.state == StateOpen {
		if b.clk.Now().Before(b.openedAt.Add(b.cfg.RecoveryTimeout)) {
			b.rejectedRequests++
			return fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.setState(StateHalfOpen)
		b.successCount = 0
	}
	return nil
}

// afterCall records the outcome of an admitted call.
func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	if err == nil {
		b.lastSuccessTime = now
		switch b.state {
		case StateHalfOpen:
			b.successCount++
			if b.successCount >= b.cfg.SuccessThreshold {
				b.reset()
				b.setState(StateClosed)
			}
		case StateClosed:
			b.successCount++
			b.failureCount = 0
		}
		return
	}

	prevFailure := b.lastFailureTime
	b.lastFailureTime = now
	switch b.state {
	case StateHalfOpen:
		// A single trial failure re-opens immediately.
		b.openedAt = now
		b.setState(StateOpen)
	case StateClosed:
		// Age out a stale failure streak before counting this one.
		if !prevFailure.IsZero() && now.Sub(prevFailure) > b.cfg.MonitoringPeriod {
			b.failureCount = 0
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.setState(StateOpen)
		}
	}
}

// ForceOpen opens the circuit unconditionally, bypassing counters.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.clk.Now()
	b.setState(StateOpen)
}

// ForceClose closes the circuit unconditionally and resets counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	b.setState(StateClosed)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetMetrics returns a snapshot of the breaker's counters.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Metrics{
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		TotalRequests:    b.totalRequests,
		RejectedRequests: b.rejectedRequests,
		LastFailureTime:  b.lastFailureTime,
		LastSuccessTime:  b.lastSuccessTime,
	}
}

// reset clears counters on CLOSED re-entry. Must be called with mu held.
func (b *Breaker) reset() {
	b.failureCount = 0
	b.successCount = 0
	b.openedAt = time.Time{}
}

// setState transitions state and logs the change. Must be called with mu held.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.logger.Info("circuit breaker state change",
		"from", prev.String(),
		"to", next.String(),
		"failure_count", b.failureCount,
	)
}
