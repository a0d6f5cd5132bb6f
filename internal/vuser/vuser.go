package vuser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/torosent/loadswarm/internal/metrics"
	"github.com/torosent/loadswarm/internal/pacer"
)

// Transport carries out one logical request/response exchange. A non-nil
// error signals a connection-level failure; a status >= 300 with a nil error
// signals an application-level failure. Implementations exist per protocol
// and are constructed once per user from the target URL scheme.
type Transport interface {
	Send(ctx context.Context) (status int, err error)
	Close() error
}

// Gate is implemented by the owning operation. Acquire reserves one dispatch
// slot and returns false once a stop condition has fired; Done reports one
// finished attempt (success or failure).
type Gate interface {
	Acquire() bool
	Done(err error)
}

// StatusError marks an application-level failure response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Options configure a virtual user.
type Options struct {
	Index     int
	Rate      float64 // requests per second; 0 means closed-loop
	Transport Transport
	Tracker   *metrics.Tracker
	Gate      Gate

	// LimiterFactory is handed to the user's pacer for deterministic tests.
	LimiterFactory func(rps float64) *rate.Limiter
}

// User is one simulated concurrent client. In closed-loop mode it issues
// requests strictly serially; in open-loop mode its own pacer fires a new
// attempt every 1/rate seconds regardless of whether the prior attempt has
// completed.
type User struct {
	index     int
	rateHz    float64
	transport Transport
	tracker   *metrics.Tracker
	gate      Gate
	limiter   func(rps float64) *rate.Limiter

	mu      sync.Mutex // guards started, stopped, pace
	started bool
	stopped bool
	pace    *pacer.Pacer

	running atomic.Bool
	wg      sync.WaitGroup
}

// New validates the options and builds a user. Configuration problems are
// reported here, at construction, never per-request.
func New(opt Options) (*User, error) {
	if opt.Transport == nil {
		return nil, errors.New("vuser: transport is required")
	}
	if opt.Tracker == nil {
		return nil, errors.New("vuser: tracker is required")
	}
	if opt.Gate == nil {
		return nil, errors.New("vuser: gate is required")
	}
	if opt.Rate < 0 {
		return nil, fmt.Errorf("vuser: rate must be >= 0, got %g", opt.Rate)
	}
	return &User{
		index:     opt.Index,
		rateHz:    opt.Rate,
		transport: opt.Transport,
		tracker:   opt.Tracker,
		gate:      opt.Gate,
		limiter:   opt.LimiterFactory,
	}, nil
}

// Index returns the user's concurrency slot.
func (u *User) Index() int { return u.index }

// OpenLoop reports whether the user is paced by its own scheduler.
func (u *User) OpenLoop() bool { return u.rateHz > 0 }

// Start begins producing requests. A second Start is a no-op, as is a Start
// after Stop: stopping is terminal, so a Start racing the owner's shutdown
// can never revive the user.
func (u *User) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started || u.stopped {
		return
	}
	u.started = true
	u.running.Store(true)

	if u.OpenLoop() {
		u.pace = pacer.New(pacer.Options{Rate: u.rateHz, LimiterFactory: u.limiter})
		u.pace.Start(ctx, func() { u.fire(ctx) })
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.loop(ctx)
	}()
}

// loop is the closed-loop driver: one request at a time, the next issued
// only after the previous one completed.
func (u *User) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil || !u.running.Load() {
			return
		}
		if !u.gate.Acquire() {
			u.Stop()
			return
		}
		u.attempt(ctx)
	}
}

// fire is the open-loop pacer action: it hands the attempt to its own
// goroutine so the pacer cadence is never held back by request latency.
func (u *User) fire(ctx context.Context) {
	if ctx.Err() != nil || !u.running.Load() {
		return
	}
	if !u.gate.Acquire() {
		u.Stop()
		return
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.attempt(ctx)
	}()
}

// attempt performs one request/response cycle: begin a sample, exchange,
// finalize the sample, report the outcome upward. A failed request still
// counts as one completed attempt; no retries happen here.
func (u *User) attempt(ctx context.Context) {
	id := u.tracker.Begin()
	status, err := u.transport.Send(ctx)
	_ = u.tracker.End(id, status, err)

	if err == nil && status >= 300 {
		err = &StatusError{Code: status}
	}
	u.gate.Done(err)
}

// Stop marks the user as non-running and cancels its pacer. In-flight
// requests complete naturally but spawn no successors. Idempotent, terminal,
// and safe to call with no request in flight or concurrently with Start.
func (u *User) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.running.Store(false)
	pace := u.pace
	u.mu.Unlock()

	pace.Stop()
}

// Wait blocks until all of the user's in-flight attempts have returned.
func (u *User) Wait() {
	u.wg.Wait()
}

// Close releases the user's transport.
func (u *User) Close() error {
	return u.transport.Close()
}
