package metrics

import (
	"sort"
	"time"
)

// Snapshot is one non-overlapping partial window of statistics.
type Snapshot struct {
	Total          int64
	Successes      int64
	Failures       int64
	MeanLatency    time.Duration
	P50Latency     time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
	Window         time.Duration
	RequestsPerSec float64
}

// Stats is the final aggregate over a whole run.
type Stats struct {
	Total          int64         `json:"total" yaml:"total"`
	Successes      int64         `json:"successes" yaml:"successes"`
	Failures       int64         `json:"failures" yaml:"failures"`
	MinLatency     time.Duration `json:"-" yaml:"-"`
	MaxLatency     time.Duration `json:"-" yaml:"-"`
	MeanLatency    time.Duration `json:"-" yaml:"-"`
	P50Latency     time.Duration `json:"-" yaml:"-"`
	P90Latency     time.Duration `json:"-" yaml:"-"`
	P95Latency     time.Duration `json:"-" yaml:"-"`
	P99Latency     time.Duration `json:"-" yaml:"-"`
	Duration       time.Duration `json:"-" yaml:"-"`
	RequestsPerSec float64       `json:"requests_per_sec" yaml:"requests_per_sec"`

	// Millisecond floats for machine-readable output.
	MinLatencyMs  float64 `json:"min_latency_ms" yaml:"min_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms" yaml:"max_latency_ms"`
	MeanLatencyMs float64 `json:"mean_latency_ms" yaml:"mean_latency_ms"`
	P50LatencyMs  float64 `json:"p50_latency_ms" yaml:"p50_latency_ms"`
	P90LatencyMs  float64 `json:"p90_latency_ms" yaml:"p90_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms" yaml:"p95_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms" yaml:"p99_latency_ms"`
	DurationMs    float64 `json:"duration_ms" yaml:"duration_ms"`

	// Codes counts failed requests per error code ("conn" for
	// connection-level failures, the numeric status otherwise).
	Codes map[string]int64 `json:"codes,omitempty" yaml:"codes,omitempty"`
}

// CodeBucket is one row of the per-code failure breakdown.
type CodeBucket struct {
	Code  string
	Count int64
}

// CodeBuckets returns the failure codes sorted by descending count, then by
// code for stability.
func (s Stats) CodeBuckets() []CodeBucket {
	if len(s.Codes) == 0 {
		return nil
	}
	rows := make([]CodeBucket, 0, len(s.Codes))
	for code, count := range s.Codes {
		rows = append(rows, CodeBucket{Code: code, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			return rows[i].Code < rows[j].Code
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}

func snapshotFrom(a *accumulator, now time.Time) Snapshot {
	total := a.successes + a.failures
	snap := Snapshot{
		Total:     total,
		Successes: a.successes,
		Failures:  a.failures,
		Window:    now.Sub(a.since),
	}
	if total > 0 {
		snap.MeanLatency = time.Duration(int64(a.sumLatency) / total)
	}
	if a.hist.TotalCount() > 0 {
		snap.P50Latency = time.Duration(a.hist.ValueAtQuantile(50)) * time.Microsecond
		snap.P95Latency = time.Duration(a.hist.ValueAtQuantile(95)) * time.Microsecond
		snap.P99Latency = time.Duration(a.hist.ValueAtQuantile(99)) * time.Microsecond
	}
	if snap.Window > 0 && total > 0 {
		snap.RequestsPerSec = float64(total) / snap.Window.Seconds()
	}
	return snap
}

func statsFrom(a *accumulator, elapsed time.Duration) Stats {
	total := a.successes + a.failures
	stats := Stats{
		Total:      total,
		Successes:  a.successes,
		Failures:   a.failures,
		MinLatency: a.minLatency,
		MaxLatency: a.maxLatency,
	}

	if total > 0 {
		stats.MeanLatency = time.Duration(int64(a.sumLatency) / total)
	}
	if a.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(a.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(a.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P95Latency = time.Duration(a.hist.ValueAtQuantile(95)) * time.Microsecond
		stats.P99Latency = time.Duration(a.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = float64(stats.MinLatency) / float64(time.Millisecond)
	stats.MaxLatencyMs = float64(stats.MaxLatency) / float64(time.Millisecond)
	stats.MeanLatencyMs = float64(stats.MeanLatency) / float64(time.Millisecond)
	stats.P50LatencyMs = float64(stats.P50Latency) / float64(time.Millisecond)
	stats.P90LatencyMs = float64(stats.P90Latency) / float64(time.Millisecond)
	stats.P95LatencyMs = float64(stats.P95Latency) / float64(time.Millisecond)
	stats.P99LatencyMs = float64(stats.P99Latency) / float64(time.Millisecond)

	stats.Duration = elapsed
	stats.DurationMs = float64(elapsed) / float64(time.Millisecond)
	if elapsed > 0 && total > 0 {
		stats.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	if len(a.codes) > 0 {
		stats.Codes = make(map[string]int64, len(a.codes))
		for code, count := range a.codes {
			stats.Codes[code] = count
		}
	}

	return stats
}
