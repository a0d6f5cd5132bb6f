package pacer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Options configure a Pacer. Exactly one of Rate or Interval should be set;
// Interval is converted to an equivalent rate.
type Options struct {
	Rate     float64       // invocations per second
	Interval time.Duration // alternative to Rate: one invocation per Interval

	// LimiterFactory allows tests to inject a deterministic limiter.
	LimiterFactory func(rps float64) *rate.Limiter
}

func (o *Options) normalize() {
	if o.Rate <= 0 && o.Interval > 0 {
		o.Rate = float64(time.Second) / float64(o.Interval)
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps float64) *rate.Limiter {
			burst := int(math.Ceil(rps))
			if burst < 1 {
				burst = 1
			}
			return rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// Pacer invokes an action at a fixed cadence until stopped. Pacing is
// delegated to a rate.Limiter, which reserves wall-clock token slots: if one
// cycle runs long, later tokens are already accrued and the loop catches up,
// so the long-run average rate stays at the configured value instead of
// drifting by "period after last completion".
type Pacer struct {
	limiter *rate.Limiter
	burst   int

	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}
}

// New creates a Pacer from options. A Pacer with no positive rate is inert:
// Start returns without scheduling anything.
func New(opt Options) *Pacer {
	opt.normalize()
	p := &Pacer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if opt.Rate > 0 {
		p.limiter = opt.LimiterFactory(opt.Rate)
		p.burst = p.limiter.Burst()
	}
	return p
}

// Every creates a Pacer that invokes its action once per period.
func Every(period time.Duration) *Pacer {
	return New(Options{Interval: period})
}

// Start begins invoking fn on the configured cadence in a background
// goroutine. The first invocation happens one full period after Start. The
// pacer never waits for fn's side effects; a blocking action should hand off
// to its own goroutine. A second Start is a no-op.
func (p *Pacer) Start(ctx context.Context, fn func()) {
	if p == nil || fn == nil || p.limiter == nil {
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	if p.stopped.Load() {
		close(p.done)
		return
	}
	// Drain the initial burst so the first invocation lands a full period
	// out rather than immediately.
	p.limiter.AllowN(time.Now(), p.burst)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-p.stop:
		case <-p.done:
		}
		cancel()
	}()
	go p.run(ctx, fn)
}

func (p *Pacer) run(ctx context.Context, fn func()) {
	defer close(p.done)
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-p.stop:
			return
		default:
		}
		invoke(fn)
	}
}

// invoke shields the scheduling loop from a panicking action.
func invoke(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// Stop cancels all future invocations. Idempotent and safe to call whether
// or not the pacer ever started, or after the schedule already ended.
func (p *Pacer) Stop() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.stopped.Store(true)
		close(p.stop)
	})
}

// Stopped reports whether Stop has been called.
func (p *Pacer) Stopped() bool {
	return p != nil && p.stopped.Load()
}
