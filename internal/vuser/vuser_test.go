package vuser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torosent/loadswarm/internal/metrics"
)

// fakeTransport records call counts and the peak number of overlapping
// exchanges.
type fakeTransport struct {
	delay  time.Duration
	status int
	err    error

	calls       atomic.Int64
	inflight    atomic.Int64
	maxInflight atomic.Int64
	closed      atomic.Bool
}

func (f *fakeTransport) Send(ctx context.Context) (int, error) {
	n := f.inflight.Add(1)
	for {
		max := f.maxInflight.Load()
		if n <= max || f.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.inflight.Add(-1)
	f.calls.Add(1)
	return f.status, f.err
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// budgetGate grants a fixed number of dispatch slots.
type budgetGate struct {
	remaining atomic.Int64
	completed atomic.Int64
	failures  atomic.Int64
	lastErr   atomic.Value
}

func newBudgetGate(n int64) *budgetGate {
	g := &budgetGate{}
	g.remaining.Store(n)
	return g
}

func (g *budgetGate) Acquire() bool {
	return g.remaining.Add(-1) >= 0
}

func (g *budgetGate) Done(err error) {
	g.completed.Add(1)
	if err != nil {
		g.failures.Add(1)
		g.lastErr.Store(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNewValidation(t *testing.T) {
	transport := &fakeTransport{status: 200}
	tracker := metrics.NewTracker()
	gate := newBudgetGate(1)

	tests := []struct {
		name    string
		opt     Options
		wantErr bool
	}{
		{name: "valid", opt: Options{Transport: transport, Tracker: tracker, Gate: gate}},
		{name: "missing transport", opt: Options{Tracker: tracker, Gate: gate}, wantErr: true},
		{name: "missing tracker", opt: Options{Transport: transport, Gate: gate}, wantErr: true},
		{name: "missing gate", opt: Options{Transport: transport, Tracker: tracker}, wantErr: true},
		{name: "negative rate", opt: Options{Transport: transport, Tracker: tracker, Gate: gate, Rate: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClosedLoopIsStrictlySerial(t *testing.T) {
	transport := &fakeTransport{delay: time.Millisecond, status: 200}
	tracker := metrics.NewTracker()
	gate := newBudgetGate(25)

	u, err := New(Options{Transport: transport, Tracker: tracker, Gate: gate})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u.Start(context.Background())
	waitFor(t, func() bool { return gate.completed.Load() == 25 })
	u.Stop()
	u.Wait()

	if max := transport.maxInflight.Load(); max != 1 {
		t.Fatalf("max in-flight = %d, want 1 in closed-loop mode", max)
	}
	if calls := transport.calls.Load(); calls != 25 {
		t.Fatalf("transport calls = %d, want 25", calls)
	}
	if stats := tracker.Results(time.Second); stats.Total != 25 {
		t.Fatalf("tracked samples = %d, want 25", stats.Total)
	}
}

func TestOpenLoopAllowsOverlappingRequests(t *testing.T) {
	// 100/s pacing against 50ms latency forces several overlapping attempts.
	transport := &fakeTransport{delay: 50 * time.Millisecond, status: 200}
	tracker := metrics.NewTracker()
	gate := newBudgetGate(1_000_000)

	u, err := New(Options{Transport: transport, Tracker: tracker, Gate: gate, Rate: 100})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u.Start(context.Background())
	time.Sleep(300 * time.Millisecond)
	u.Stop()
	u.Wait()

	if max := transport.maxInflight.Load(); max < 2 {
		t.Fatalf("max in-flight = %d, want overlap in open-loop mode", max)
	}
	if gate.completed.Load() == 0 {
		t.Fatal("no attempts completed")
	}
}

func TestAttemptReportsStatusError(t *testing.T) {
	transport := &fakeTransport{status: 500}
	tracker := metrics.NewTracker()
	gate := newBudgetGate(1)

	u, err := New(Options{Transport: transport, Tracker: tracker, Gate: gate})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u.Start(context.Background())
	waitFor(t, func() bool { return gate.completed.Load() == 1 })
	u.Stop()
	u.Wait()

	if gate.failures.Load() != 1 {
		t.Fatalf("failures = %d, want 1", gate.failures.Load())
	}
	var statusErr *StatusError
	last, _ := gate.lastErr.Load().(error)
	if !errors.As(last, &statusErr) || statusErr.Code != 500 {
		t.Fatalf("reported error = %v, want StatusError with code 500", last)
	}
	stats := tracker.Results(time.Second)
	if stats.Failures != 1 || stats.Codes["500"] != 1 {
		t.Fatalf("tracked failures = %d codes = %v, want one 500", stats.Failures, stats.Codes)
	}
}

func TestConnErrorCountsAsCompletedAttempt(t *testing.T) {
	transport := &fakeTransport{err: errors.New("connection refused")}
	tracker := metrics.NewTracker()
	gate := newBudgetGate(3)

	u, err := New(Options{Transport: transport, Tracker: tracker, Gate: gate})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u.Start(context.Background())
	waitFor(t, func() bool { return gate.completed.Load() == 3 })
	u.Stop()
	u.Wait()

	stats := tracker.Results(time.Second)
	if stats.Failures != 3 || stats.Codes[metrics.CodeConnError] != 3 {
		t.Fatalf("failures = %d codes = %v, want three conn errors", stats.Failures, stats.Codes)
	}
}

func TestUserStopsWhenGateRefuses(t *testing.T) {
	transport := &fakeTransport{status: 200}
	tracker := metrics.NewTracker()
	gate := newBudgetGate(5)

	u, err := New(Options{Transport: transport, Tracker: tracker, Gate: gate})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	u.Start(context.Background())
	waitFor(t, func() bool { return gate.completed.Load() == 5 })
	u.Wait()

	if calls := transport.calls.Load(); calls != 5 {
		t.Fatalf("transport calls = %d, want exactly the granted budget", calls)
	}
}

func TestStartStopRace(t *testing.T) {
	// Start arrives from a stagger goroutine while the owner shuts the run
	// down, so the two can fire at the same instant.
	for i := 0; i < 200; i++ {
		transport := &fakeTransport{status: 200}
		u, err := New(Options{
			Transport: transport,
			Tracker:   metrics.NewTracker(),
			Gate:      newBudgetGate(1_000_000),
			Rate:      1000,
		})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		ctx := context.Background()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			u.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			u.Stop()
		}()
		wg.Wait()
		u.Stop()
		u.Wait()
	}
}

func TestStartAfterStopIsNoOp(t *testing.T) {
	tests := []struct {
		name string
		rate float64
	}{
		{name: "closed loop", rate: 0},
		{name: "open loop", rate: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &fakeTransport{status: 200}
			u, err := New(Options{
				Transport: transport,
				Tracker:   metrics.NewTracker(),
				Gate:      newBudgetGate(1_000_000),
				Rate:      tt.rate,
			})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			u.Stop()
			u.Start(context.Background())
			time.Sleep(50 * time.Millisecond)
			u.Wait()

			if calls := transport.calls.Load(); calls != 0 {
				t.Fatalf("stopped user dispatched %d requests after Start", calls)
			}
		})
	}
}

func TestStopIsIdempotent(t *testing.T) {
	transport := &fakeTransport{status: 200}
	u, err := New(Options{Transport: transport, Tracker: metrics.NewTracker(), Gate: newBudgetGate(0)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Stop with no request ever in flight, repeatedly.
	u.Stop()
	u.Stop()
	u.Wait()

	u.Start(context.Background())
	u.Stop()
	u.Wait()
}

func TestSecondStartIsNoOp(t *testing.T) {
	transport := &fakeTransport{delay: time.Millisecond, status: 200}
	tracker := metrics.NewTracker()
	gate := newBudgetGate(10)

	u, err := New(Options{Transport: transport, Tracker: tracker, Gate: gate})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	u.Start(ctx)
	u.Start(ctx)

	waitFor(t, func() bool { return gate.completed.Load() == 10 })
	u.Stop()
	u.Wait()

	if max := transport.maxInflight.Load(); max != 1 {
		t.Fatalf("max in-flight = %d; a second Start spawned a second loop", max)
	}
}

func TestCloseReleasesTransport(t *testing.T) {
	transport := &fakeTransport{status: 200}
	u, err := New(Options{Transport: transport, Tracker: metrics.NewTracker(), Gate: newBudgetGate(0)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !transport.closed.Load() {
		t.Fatal("transport not closed")
	}
}
