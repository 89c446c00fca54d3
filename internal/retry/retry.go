// ABOUTME: Communication error taxonomy and backoff-with-jitter policy.
// ABOUTME: Delay is a pure function of attempt number, separable from sleeping.

package retry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// CommError wraps a communication failure (transport send, health
// probe) with a retryable flag so callers can distinguish transient
// failures from permanent ones.
type CommError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *CommError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: communication failure", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a CommError marked retryable.
// A nil or non-CommError err is not retryable.
func Retryable(err error) bool {
	var ce *CommError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// Policy computes exponential backoff delays with jitter. The zero
// value is not usable; use DefaultPolicy or fill all fields.
type Policy struct {
	Initial time.Duration // delay before attempt 1 retries
	Max     time.Duration // upper bound on the computed delay
	Factor  float64       // multiplier per attempt
	Jitter  float64       // fraction of the delay randomized, 0..1

	// Rand supplies jitter randomness in [0,1). Nil uses math/rand.
	// Tests inject a fixed source to make Delay fully deterministic.
	Rand func() float64
}

// DefaultPolicy is a moderate policy suitable for transport retries.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 250 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2.0,
		Jitter:  0.2,
	}
}

// Delay returns the backoff delay for the given attempt number.
// Attempt 0 is the first retry. The result never exceeds Max and the
// jitter term spreads delays across (1-Jitter)..(1+Jitter) of the
// exponential value so synchronized callers fan out.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}

	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		// Scale into [1-jitter, 1+jitter).
		d *= 1 - p.Jitter + 2*p.Jitter*r()
	}

	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
