package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// CodeConnError buckets connection-level failures that carry no status code.
const CodeConnError = "conn"

// CodeCheckFailed buckets failures where the response arrived with a success
// status but was rejected afterwards, such as a failed response assertion.
// Keeping these out of the numeric buckets stops a failed check from
// masquerading as an HTTP-level "200" problem.
const CodeCheckFailed = "check"

// ErrUnknownSample is returned by End for an id that was never issued or was
// already finalized. Aggregate counts are left untouched in that case.
var ErrUnknownSample = errors.New("metrics: unknown or already finalized sample id")

// SampleID identifies one in-flight request between Begin and End.
type SampleID uint64

// Tracker turns a stream of Begin/End events into aggregate statistics.
// It keeps two accumulators: a cumulative one for the final results and a
// window one that Partial drains, so partial snapshots are additive and
// non-overlapping.
type Tracker struct {
	mu       sync.Mutex
	nextID   SampleID
	inflight map[SampleID]time.Time
	cum      accumulator
	win      accumulator
	start    time.Time
}

type accumulator struct {
	hist       *hdrhistogram.Histogram
	successes  int64
	failures   int64
	sumLatency time.Duration
	minLatency time.Duration
	maxLatency time.Duration
	codes      map[string]int64
	since      time.Time
}

func newAccumulator(now time.Time) accumulator {
	// Track latencies from 1µs up to 60s with 3 significant figures.
	return accumulator{
		hist:  hdrhistogram.New(1, 60_000_000, 3),
		codes: make(map[string]int64),
		since: now,
	}
}

func (a *accumulator) record(latency time.Duration, code string, failed bool) {
	if latency > 0 {
		us := latency.Microseconds()
		if us < a.hist.LowestTrackableValue() {
			us = a.hist.LowestTrackableValue()
		}
		if us > a.hist.HighestTrackableValue() {
			us = a.hist.HighestTrackableValue()
		}
		_ = a.hist.RecordValue(us)
	}
	a.sumLatency += latency

	if a.minLatency == 0 || latency < a.minLatency {
		a.minLatency = latency
	}
	if latency > a.maxLatency {
		a.maxLatency = latency
	}

	if failed {
		a.failures++
		a.codes[code]++
	} else {
		a.successes++
	}
}

// NewTracker creates a Tracker ready to accept samples.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		inflight: make(map[SampleID]time.Time),
		cum:      newAccumulator(now),
		win:      newAccumulator(now),
		start:    now,
	}
}

// Start marks the actual beginning of the run for RPS calculation. Reporters
// may be created earlier; calling Start right before dispatching keeps the
// observed throughput honest.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.start = now
	t.cum.since = now
	t.win.since = now
}

// Begin allocates a new in-flight sample and returns its id. Concurrent
// callers each get an independent id and timestamp.
func (t *Tracker) Begin() SampleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.inflight[id] = time.Now()
	return id
}

// End finalizes the sample. A non-nil err marks a failure: with no status it
// buckets under CodeConnError, with a failure status (>= 300) under the
// numeric status, and with a success status under CodeCheckFailed (the
// exchange worked, the response was rejected afterwards). A nil err with
// status >= 300 marks an application-level failure bucketed under the
// numeric status. Ending an unknown or already finalized id returns
// ErrUnknownSample without altering any aggregate.
func (t *Tracker) End(id SampleID, status int, reqErr error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	started, ok := t.inflight[id]
	if !ok {
		return ErrUnknownSample
	}
	delete(t.inflight, id)

	latency := time.Since(started)
	failed := reqErr != nil || status >= 300
	code := ""
	if failed {
		switch {
		case status >= 300:
			code = strconv.Itoa(status)
		case status > 0:
			code = CodeCheckFailed
		default:
			code = CodeConnError
		}
	}

	t.cum.record(latency, code, failed)
	t.win.record(latency, code, failed)
	return nil
}

// InFlight reports how many samples have begun but not yet ended.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Partial returns the statistics accumulated since the previous Partial call
// (or since Start for the first one) and opens a fresh window. The
// cumulative accumulator is untouched, so the sum of all partial snapshots
// equals the final results.
func (t *Tracker) Partial() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	snap := snapshotFrom(&t.win, now)
	t.win = newAccumulator(now)
	return snap
}

// Results returns the cumulative aggregate over the whole run. The elapsed
// duration is supplied by the caller so that throughput reflects the actual
// run window rather than the time Results happens to be called.
func (t *Tracker) Results(elapsed time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return statsFrom(&t.cum, elapsed)
}
