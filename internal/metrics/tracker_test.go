package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTrackerBeginEndPairing(t *testing.T) {
	tr := NewTracker()

	id := tr.Begin()
	if got := tr.InFlight(); got != 1 {
		t.Fatalf("InFlight() = %d, want 1", got)
	}
	if err := tr.End(id, 200, nil); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if got := tr.InFlight(); got != 0 {
		t.Fatalf("InFlight() after End = %d, want 0", got)
	}

	stats := tr.Results(time.Second)
	if stats.Total != 1 || stats.Successes != 1 || stats.Failures != 0 {
		t.Fatalf("Results = total %d successes %d failures %d, want 1/1/0",
			stats.Total, stats.Successes, stats.Failures)
	}
}

func TestTrackerEndRejectsUnknownAndDoubleEnd(t *testing.T) {
	tr := NewTracker()

	if err := tr.End(SampleID(42), 200, nil); !errors.Is(err, ErrUnknownSample) {
		t.Fatalf("End(unknown) error = %v, want ErrUnknownSample", err)
	}

	id := tr.Begin()
	if err := tr.End(id, 200, nil); err != nil {
		t.Fatalf("first End() error = %v", err)
	}
	if err := tr.End(id, 500, nil); !errors.Is(err, ErrUnknownSample) {
		t.Fatalf("second End() error = %v, want ErrUnknownSample", err)
	}

	stats := tr.Results(time.Second)
	if stats.Total != 1 {
		t.Fatalf("double End altered aggregates: total = %d, want 1", stats.Total)
	}
}

func TestTrackerFailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		err      error
		wantFail bool
		wantCode string
	}{
		{name: "success", status: 200, err: nil, wantFail: false},
		{name: "redirect is failure", status: 302, err: nil, wantFail: true, wantCode: "302"},
		{name: "server error", status: 500, err: nil, wantFail: true, wantCode: "500"},
		{name: "conn error without status", status: 0, err: errors.New("dial refused"), wantFail: true, wantCode: CodeConnError},
		{name: "error with failure status keeps status bucket", status: 503, err: errors.New("read failed"), wantFail: true, wantCode: "503"},
		{name: "rejected success response buckets as check", status: 200, err: errors.New("json check failed"), wantFail: true, wantCode: CodeCheckFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			id := tr.Begin()
			if err := tr.End(id, tt.status, tt.err); err != nil {
				t.Fatalf("End() error = %v", err)
			}
			stats := tr.Results(time.Second)
			if failed := stats.Failures == 1; failed != tt.wantFail {
				t.Fatalf("failures = %d, wantFail %v", stats.Failures, tt.wantFail)
			}
			if tt.wantCode != "" && stats.Codes[tt.wantCode] != 1 {
				t.Fatalf("Codes = %v, want %q counted once", stats.Codes, tt.wantCode)
			}
		})
	}
}

func TestTrackerPartialWindowsAreAdditive(t *testing.T) {
	tr := NewTracker()

	endN := func(n int, status int) {
		t.Helper()
		for i := 0; i < n; i++ {
			id := tr.Begin()
			if err := tr.End(id, status, nil); err != nil {
				t.Fatalf("End() error = %v", err)
			}
		}
	}

	endN(3, 200)
	first := tr.Partial()
	endN(2, 500)
	second := tr.Partial()
	third := tr.Partial()

	if first.Total != 3 || first.Failures != 0 {
		t.Fatalf("first window = %d/%d failures, want 3/0", first.Total, first.Failures)
	}
	if second.Total != 2 || second.Failures != 2 {
		t.Fatalf("second window = %d/%d failures, want 2/2", second.Total, second.Failures)
	}
	if third.Total != 0 {
		t.Fatalf("empty window total = %d, want 0", third.Total)
	}

	stats := tr.Results(time.Second)
	if got, want := stats.Total, first.Total+second.Total; got != want {
		t.Fatalf("cumulative total = %d, want sum of windows %d", got, want)
	}
}

func TestTrackerEmptyRun(t *testing.T) {
	tr := NewTracker()
	stats := tr.Results(2 * time.Second)

	if stats.Total != 0 || stats.Successes != 0 || stats.Failures != 0 {
		t.Fatalf("empty Results counts = %d/%d/%d, want zeros", stats.Total, stats.Successes, stats.Failures)
	}
	if stats.RequestsPerSec != 0 {
		t.Fatalf("empty RequestsPerSec = %g, want 0", stats.RequestsPerSec)
	}
	if stats.MeanLatency != 0 || stats.P99Latency != 0 {
		t.Fatalf("empty latencies = mean %v p99 %v, want zeros", stats.MeanLatency, stats.P99Latency)
	}
	if stats.Codes != nil {
		t.Fatalf("empty Codes = %v, want nil", stats.Codes)
	}
}

func TestTrackerSingleSampleStats(t *testing.T) {
	tr := NewTracker()
	id := tr.Begin()
	time.Sleep(2 * time.Millisecond)
	if err := tr.End(id, 200, nil); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	stats := tr.Results(time.Second)
	if stats.MinLatency <= 0 || stats.MinLatency != stats.MaxLatency {
		t.Fatalf("single-sample min/max = %v/%v, want equal positive values", stats.MinLatency, stats.MaxLatency)
	}
	if stats.MeanLatency < stats.MinLatency || stats.MeanLatency > stats.MaxLatency {
		t.Fatalf("mean %v outside [min %v, max %v]", stats.MeanLatency, stats.MinLatency, stats.MaxLatency)
	}
	if stats.RequestsPerSec != 1.0 {
		t.Fatalf("RequestsPerSec = %g, want 1.0 over 1s", stats.RequestsPerSec)
	}
}

func TestTrackerConcurrentSamples(t *testing.T) {
	tr := NewTracker()

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := tr.Begin()
				status := 200
				if i%10 == 0 {
					status = 500
				}
				if err := tr.End(id, status, nil); err != nil {
					t.Errorf("worker %d: End() error = %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	stats := tr.Results(time.Second)
	if want := int64(workers * perWorker); stats.Total != want {
		t.Fatalf("Total = %d, want %d", stats.Total, want)
	}
	if want := int64(workers * perWorker / 10); stats.Failures != want {
		t.Fatalf("Failures = %d, want %d", stats.Failures, want)
	}
	if tr.InFlight() != 0 {
		t.Fatalf("InFlight() = %d after all samples ended", tr.InFlight())
	}
}

func TestStatsCodeBucketsOrdering(t *testing.T) {
	stats := Stats{Codes: map[string]int64{"500": 3, "conn": 7, "404": 3}}
	rows := stats.CodeBuckets()
	if len(rows) != 3 {
		t.Fatalf("len(CodeBuckets) = %d, want 3", len(rows))
	}
	if rows[0].Code != "conn" || rows[0].Count != 7 {
		t.Fatalf("rows[0] = %+v, want conn/7 first", rows[0])
	}
	// Equal counts fall back to code order.
	if rows[1].Code != "404" || rows[2].Code != "500" {
		t.Fatalf("tie-break order = %s, %s; want 404 then 500", rows[1].Code, rows[2].Code)
	}
}
