package stage

import (
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy controls how often a stage is polled and how long the driver waits
// for it.
type Policy struct {
	// InitialDelay is the wait before the first re-poll.
	InitialDelay time.Duration
	// MaxDelay caps backoff growth.
	MaxDelay time.Duration
	// BackoffFactor multiplies the delay after every poll. 1 gives a fixed
	// schedule.
	BackoffFactor float64
	// MaxElapsed is the wall-clock budget before the stage is TimedOut.
	MaxElapsed time.Duration
	// MaxPollRetries bounds consecutive transport failures before the stage
	// fails with PollFailed.
	MaxPollRetries int
}

// DefaultPolicy returns the production polling policy.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:   30 * time.Second,
		MaxDelay:       5 * time.Minute,
		BackoffFactor:  2,
		MaxElapsed:     2 * time.Hour,
		MaxPollRetries: 3,
	}
}

// Validate returns an error describing the first invalid field.
func (p Policy) Validate() error {
	if p.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive, got %s", p.InitialDelay)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max delay %s must be >= initial delay %s", p.MaxDelay, p.InitialDelay)
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be >= 1, got %g", p.BackoffFactor)
	}
	if p.MaxElapsed <= 0 {
		return fmt.Errorf("max elapsed must be positive, got %s", p.MaxElapsed)
	}
	if p.MaxPollRetries < 0 {
		return fmt.Errorf("max poll retries must be >= 0, got %d", p.MaxPollRetries)
	}
	return nil
}

// DelayFor returns the wait that should follow poll number attempt (1-based).
// It is the same schedule the in-process driver follows, exposed so an
// external scheduler can re-invoke the poll entry points on it.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// newBackOff builds a deterministic exponential schedule. Elapsed-time
// accounting is left to the driver so that the budget is enforced exactly.
func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
