package pacer

import (
	"context"
	"sync"
	"time"
)

// Pacer paces and retries calls: it serializes the decision of "how long
// to wait before the next attempt" behind a single-slot channel and caps
// concurrent in-flight calls via a TokenDispenser, the way
// lib/pacer.Pacer does (grounded on lib/pacer/pacer_test.go's TestNew /
// TestMaxConnections / TestBeginCall assertions).
type Pacer struct {
	mu             sync.Mutex
	calculator     Calculator
	retries        int
	maxConnections int
	pacerCh        chan struct{}
	connTokens     chan struct{}
	state          State
}

// Option configures a Pacer at construction time.
type Option func(*Pacer)

// RetriesOption sets the maximum number of attempts Call will make.
func RetriesOption(n int) Option {
	return func(p *Pacer) { p.retries = n }
}

// MaxConnectionsOption caps the number of concurrent in-flight calls; 0
// means unbounded.
func MaxConnectionsOption(n int) Option {
	return func(p *Pacer) { p.SetMaxConnections(n) }
}

// CalculatorOption sets the backoff Calculator.
func CalculatorOption(c Calculator) Option {
	return func(p *Pacer) { p.calculator = c }
}

// New builds a Pacer with rclone-style defaults (10 retries, a Default
// calculator, unbounded connections) overridden by opts.
func New(opts ...Option) *Pacer {
	p := &Pacer{
		calculator: NewDefault(),
		retries:    10,
		pacerCh:    make(chan struct{}, 1),
	}
	p.pacerCh <- struct{}{}
	if d, ok := p.calculator.(*Default); ok {
		p.state.SleepTime = d.minSleep
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetRetries changes the retry budget.
func (p *Pacer) SetRetries(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retries = n
}

// SetMaxConnections changes the concurrency cap, rebuilding the token pool.
// 0 disables the cap.
func (p *Pacer) SetMaxConnections(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxConnections = n
	if n <= 0 {
		p.connTokens = nil
		return
	}
	p.connTokens = make(chan struct{}, n)
	for i := 0; i < n; i++ {
		p.connTokens <- struct{}{}
	}
}

// SetCalculator swaps the backoff Calculator.
func (p *Pacer) SetCalculator(c Calculator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calculator = c
}

// beginCall acquires the pacing slot and, if capped, a connection token.
func (p *Pacer) beginCall(ctx context.Context) error {
	select {
	case <-p.pacerCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	tokens := p.connTokens
	p.mu.Unlock()
	if tokens != nil {
		select {
		case <-tokens:
		case <-ctx.Done():
			p.pacerCh <- struct{}{}
			return ctx.Err()
		}
	}
	return nil
}

// endCall schedules the next pacing slot after sleep, and immediately
// returns the connection token so another call may proceed.
func (p *Pacer) endCall(sleep time.Duration) {
	p.mu.Lock()
	tokens := p.connTokens
	p.mu.Unlock()
	if tokens != nil {
		tokens <- struct{}{}
	}
	go func() {
		if sleep > 0 {
			time.Sleep(sleep)
		}
		p.pacerCh <- struct{}{}
	}()
}

// Call invokes fn, retrying while fn returns (true, err), waiting between
// attempts per the configured Calculator, until fn succeeds, returns
// (false, err), the retry budget is exhausted, or ctx is canceled.
func (p *Pacer) Call(ctx context.Context, fn func() (retry bool, err error)) error {
	var err error
	attempt := 0
	for {
		if bErr := p.beginCall(ctx); bErr != nil {
			return bErr
		}
		var retry bool
		retry, err = fn()

		p.mu.Lock()
		state := p.state
		if retry {
			state.ConsecutiveRetries++
		} else {
			state.ConsecutiveRetries = 0
		}
		sleep := p.calculator.Calculate(state)
		state.SleepTime = sleep
		p.state = state
		p.mu.Unlock()

		p.endCall(sleep)

		if !retry {
			return err
		}
		attempt++
		if attempt >= p.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
