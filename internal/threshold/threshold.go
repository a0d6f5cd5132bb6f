// Package threshold evaluates pass/fail assertions against final run
// statistics, expressed as "metric:aggregate op value" strings.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/torosent/loadswarm/internal/metrics"
)

// Threshold is one assertion over the final statistics.
type Threshold struct {
	Metric    string  // "latency", "failures" or "requests"
	Aggregate string  // "p50", "p95", "mean", "rate", "count", ...
	Operator  string  // "<", "<=", ">", ">=", "=="
	Value     float64
	Raw       string // original string, kept for display
}

// Result is the outcome of evaluating one threshold.
type Result struct {
	Threshold Threshold
	Actual    float64
	Pass      bool
}

// String renders the result the way it appears in the final report.
func (r Result) String() string {
	mark := "PASS"
	if !r.Pass {
		mark = "FAIL"
	}
	return fmt.Sprintf("%s  %s (actual %.2f)", mark, r.Threshold.Raw, r.Actual)
}

var pattern = regexp.MustCompile(`^([a-z]+):([a-z0-9]+)\s*([<>=!]+)\s*([0-9.]+)$`)

// Parse parses one threshold string. Latency aggregates are compared in
// milliseconds, failure rate as a 0..1 fraction, request rate in requests
// per second.
//
//	latency:p95 < 500
//	latency:mean < 200
//	failures:rate < 0.01
//	failures:count == 0
//	requests:rate > 100
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return Threshold{}, fmt.Errorf("invalid threshold %q (expected metric:aggregate op value, e.g. \"latency:p95 < 500\")", s)
	}

	value, err := strconv.ParseFloat(matches[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %w", matches[4], err)
	}

	t := Threshold{
		Metric:    matches[1],
		Aggregate: matches[2],
		Operator:  matches[3],
		Value:     value,
		Raw:       s,
	}
	if _, err := extract(t, metrics.Stats{}); err != nil {
		return Threshold{}, err
	}
	switch t.Operator {
	case "<", "<=", ">", ">=", "==":
	default:
		return Threshold{}, fmt.Errorf("unsupported operator %q in threshold %q", t.Operator, s)
	}
	return t, nil
}

// ParseAll parses a list of threshold strings, failing on the first bad one.
func ParseAll(raw []string) ([]Threshold, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Threshold, 0, len(raw))
	for _, s := range raw {
		t, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Evaluate checks every threshold against the final statistics.
func Evaluate(thresholds []Threshold, stats metrics.Stats) []Result {
	if len(thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(thresholds))
	for _, t := range thresholds {
		actual, _ := extract(t, stats)
		results = append(results, Result{
			Threshold: t,
			Actual:    actual,
			Pass:      compare(actual, t.Operator, t.Value),
		})
	}
	return results
}

// AllPassed reports whether no threshold failed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func extract(t Threshold, stats metrics.Stats) (float64, error) {
	switch t.Metric {
	case "latency":
		switch t.Aggregate {
		case "min":
			return stats.MinLatencyMs, nil
		case "max":
			return stats.MaxLatencyMs, nil
		case "mean":
			return stats.MeanLatencyMs, nil
		case "p50":
			return stats.P50LatencyMs, nil
		case "p90":
			return stats.P90LatencyMs, nil
		case "p95":
			return stats.P95LatencyMs, nil
		case "p99":
			return stats.P99LatencyMs, nil
		}
		return 0, fmt.Errorf("unsupported latency aggregate %q (use min, max, mean, p50, p90, p95 or p99)", t.Aggregate)
	case "failures":
		switch t.Aggregate {
		case "count":
			return float64(stats.Failures), nil
		case "rate":
			if stats.Total == 0 {
				return 0, nil
			}
			return float64(stats.Failures) / float64(stats.Total), nil
		}
		return 0, fmt.Errorf("unsupported failures aggregate %q (use count or rate)", t.Aggregate)
	case "requests":
		switch t.Aggregate {
		case "count":
			return float64(stats.Total), nil
		case "rate":
			return stats.RequestsPerSec, nil
		}
		return 0, fmt.Errorf("unsupported requests aggregate %q (use count or rate)", t.Aggregate)
	}
	return 0, fmt.Errorf("unsupported metric %q (use latency, failures or requests)", t.Metric)
}

func compare(actual float64, operator string, expected float64) bool {
	const epsilon = 1e-9
	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	}
	return false
}
