// Package pacer provides the backoff/jitter calculators used by the
// request pipeline's Retrier (spec.md §4.3 "BackoffPolicy"), plus a small
// token dispenser for bounding concurrency.
package pacer

import (
	"math/rand"
	"time"
)

// State carries the inputs a Calculator needs: the sleep duration from the
// previous attempt and how many consecutive retries have happened on the
// current target.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries int
}

// Calculator computes the next sleep duration from the current State.
type Calculator interface {
	Calculate(state State) time.Duration
}

// Default is an exponential-backoff calculator: it decays towards
// minSleep on success (ConsecutiveRetries == 0) and backs off towards
// maxSleep on failure, both via a 1/2^constant geometric step. It adds no
// jitter itself; WithJitter wraps a Calculator to add it.
// Grounded on lib/pacer/pacer_test.go's TestDecay/TestAttack/TestDefaultPacer
// assertions (see DESIGN.md).
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// CalculatorOption configures a Default calculator or a Pacer.
type CalculatorOption func(*Default)

// MinSleep sets the floor sleep duration.
func MinSleep(d time.Duration) CalculatorOption {
	return func(c *Default) { c.minSleep = d }
}

// MaxSleep sets the ceiling sleep duration.
func MaxSleep(d time.Duration) CalculatorOption {
	return func(c *Default) { c.maxSleep = d }
}

// DecayConstant controls how fast the sleep duration decays on success;
// larger values decay slower.
func DecayConstant(n uint) CalculatorOption {
	return func(c *Default) { c.decayConstant = n }
}

// AttackConstant controls how fast the sleep duration grows on failure;
// larger values grow slower.
func AttackConstant(n uint) CalculatorOption {
	return func(c *Default) { c.attackConstant = n }
}

// NewDefault builds a Default calculator with sensible bounds, overridden
// by opts.
func NewDefault(opts ...CalculatorOption) *Default {
	c := &Default{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate implements Calculator.
func (c *Default) Calculate(state State) time.Duration {
	var next time.Duration
	if state.ConsecutiveRetries == 0 {
		next = c.decay(state.SleepTime)
	} else {
		next = c.attack(state.SleepTime)
	}
	if next < c.minSleep {
		next = c.minSleep
	}
	if next > c.maxSleep {
		next = c.maxSleep
	}
	return next
}

func (c *Default) decay(sleep time.Duration) time.Duration {
	return sleep - (sleep >> c.decayConstant)
}

func (c *Default) attack(sleep time.Duration) time.Duration {
	denom := (time.Duration(1) << c.attackConstant) - 1
	if denom <= 0 {
		return c.maxSleep
	}
	return sleep + sleep/denom
}

// Jitter wraps any Calculator and adds up to +/-frac of random jitter to
// its output, clamped to be non-negative.
type Jitter struct {
	Calculator
	frac float64
}

// WithJitter wraps c with +/-frac*duration jitter (e.g. frac=0.2 for +/-20%).
func WithJitter(c Calculator, frac float64) *Jitter {
	return &Jitter{Calculator: c, frac: frac}
}

// Calculate implements Calculator.
func (j *Jitter) Calculate(state State) time.Duration {
	base := j.Calculator.Calculate(state)
	if base <= 0 || j.frac <= 0 {
		return base
	}
	delta := time.Duration((rand.Float64()*2 - 1) * j.frac * float64(base))
	out := base + delta
	if out < 0 {
		out = 0
	}
	return out
}

// NoBackoff always returns a zero delay.
type NoBackoff struct{}

// Calculate implements Calculator.
func (NoBackoff) Calculate(State) time.Duration { return 0 }

// Throttled honors a server-suggested delay (e.g. from a 509 response or a
// Retry-After header) when one is known, falling back to an inner
// Calculator otherwise (spec.md §4.3 "honor server-suggested delay if
// present").
type Throttled struct {
	Suggested time.Duration
	Fallback  Calculator
}

// Calculate implements Calculator.
func (t Throttled) Calculate(state State) time.Duration {
	if t.Suggested > 0 {
		return t.Suggested
	}
	if t.Fallback != nil {
		return t.Fallback.Calculate(state)
	}
	return 0
}
