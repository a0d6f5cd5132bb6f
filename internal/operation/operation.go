package operation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torosent/loadswarm/internal/metrics"
	"github.com/torosent/loadswarm/internal/pacer"
	"github.com/torosent/loadswarm/internal/vuser"
)

// State is the operation lifecycle: Created -> Running -> Stopped, with no
// way back to Running.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

// ErrAlreadyStarted is returned by Run when the operation has left the
// Created state.
var ErrAlreadyStarted = errors.New("operation: already started")

// Operation owns the virtual users, the latency tracker, and the global
// stop-condition logic for one test run.
type Operation struct {
	opt     Options
	state   atomic.Int32
	tracker *metrics.Tracker
	users   []*vuser.User

	dispatched atomic.Int64
	completed  atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates an Operation in the Created state.
func New(opt Options) *Operation {
	opt.normalize()
	return &Operation{
		opt:     opt,
		stopped: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (o *Operation) State() State {
	return State(o.state.Load())
}

// Completed returns the number of finished attempts so far.
func (o *Operation) Completed() int64 {
	return o.completed.Load()
}

// Acquire reserves one dispatch slot. The increment and the max-requests
// check are a single atomic step: once the budget is spent no further slot
// is ever granted, no matter how many completions race on the boundary.
func (o *Operation) Acquire() bool {
	if o.State() != StateRunning {
		return false
	}
	n := o.dispatched.Add(1)
	if o.opt.TotalRequests > 0 && n > int64(o.opt.TotalRequests) {
		o.Stop()
		return false
	}
	return true
}

// Done records one finished attempt from any user; completions race freely.
// The counter is monotonic and incremented exactly once per attempt.
func (o *Operation) Done(err error) {
	n := o.completed.Add(1)
	if o.opt.TotalRequests > 0 && n >= int64(o.opt.TotalRequests) {
		o.Stop()
	}
}

// Stop fires the stop condition. It is idempotent and level-triggered: the
// Stopped state is set first so racing completions observe it and stop
// re-scheduling, then the run loop performs the shutdown sequence. Safe to
// invoke from multiple triggers racing (max-requests reached at the same
// moment as the deadline elapsing).
func (o *Operation) Stop() {
	o.stopOnce.Do(func() {
		o.state.Store(int32(StateStopped))
		close(o.stopped)
	})
}

// Run executes the operation to completion and returns the final aggregate
// statistics exactly once, regardless of which stop trigger fired. Only
// configuration errors abort the run; per-request errors are absorbed into
// the statistics.
func (o *Operation) Run(ctx context.Context) (metrics.Stats, error) {
	if o.opt.NewTransport == nil {
		return metrics.Stats{}, errors.New("operation: transport factory is required")
	}
	if !o.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return metrics.Stats{}, ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.tracker = metrics.NewTracker()

	o.users = make([]*vuser.User, 0, o.opt.Concurrency)
	for i := 0; i < o.opt.Concurrency; i++ {
		transport, err := o.opt.NewTransport(i)
		if err != nil {
			o.closeUsers()
			return metrics.Stats{}, fmt.Errorf("operation: transport for user %d: %w", i, err)
		}
		u, err := vuser.New(vuser.Options{
			Index:          i,
			Rate:           o.opt.Rate,
			Transport:      transport,
			Tracker:        o.tracker,
			Gate:           o,
			LimiterFactory: o.opt.LimiterFactory,
		})
		if err != nil {
			_ = transport.Close()
			o.closeUsers()
			return metrics.Stats{}, err
		}
		o.users = append(o.users, u)
	}

	report := pacer.Every(o.opt.ReportInterval)
	if o.opt.OnPartial != nil {
		report.Start(ctx, func() {
			o.opt.OnPartial(o.tracker.Partial())
		})
	}

	o.tracker.Start()
	start := time.Now()

	o.startUsers(ctx)

	if o.opt.Duration > 0 {
		deadline := time.AfterFunc(o.opt.Duration, o.Stop)
		defer deadline.Stop()
	}

	select {
	case <-o.stopped:
	case <-ctx.Done():
		o.Stop()
	}

	report.Stop()
	for _, u := range o.users {
		u.Stop()
	}
	o.drain(cancel)

	elapsed := time.Since(start)
	if o.opt.OnPartial != nil {
		o.opt.OnPartial(o.tracker.Partial())
	}
	stats := o.tracker.Results(elapsed)

	o.closeUsers()
	return stats, nil
}

// startUsers launches every user. Open-loop users are each delayed by a
// uniformly random offset inside the stagger window, computed once per user
// from the operation's own seeded source.
func (o *Operation) startUsers(ctx context.Context) {
	rng := rand.New(rand.NewSource(o.opt.RandomSeed))
	for _, u := range o.users {
		if !u.OpenLoop() {
			u.Start(ctx)
			continue
		}
		delay := time.Duration(rng.Int63n(int64(startStaggerWindow)))
		go func(u *vuser.User, delay time.Duration) {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				u.Start(ctx)
			case <-o.stopped:
			case <-ctx.Done():
			}
		}(u, delay)
	}
}

// drain waits for in-flight attempts to finish naturally within the
// graceful-shutdown window, then cancels the remainder outright. There is no
// per-request timeout in this engine, so the window is what keeps a hung
// request from holding the shutdown forever.
func (o *Operation) drain(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		for _, u := range o.users {
			u.Wait()
		}
		close(done)
	}()

	if o.opt.GracefulShutdown > 0 {
		timer := time.NewTimer(o.opt.GracefulShutdown)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
		}
	}

	cancel()
	<-done
}

func (o *Operation) closeUsers() {
	for _, u := range o.users {
		_ = u.Close()
	}
}
