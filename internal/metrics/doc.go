// Package metrics provides latency tracking and aggregation for load testing.
//
// The metrics package turns a stream of request start/end events into
// aggregate statistics, usable both as a live partial view during a run and
// as the final report once the run stops.
//
// # Tracker
//
// The central [Tracker] type times individual requests through paired calls:
//
//	tracker := metrics.NewTracker()
//	tracker.Start() // Mark test start for accurate RPS calculation
//
//	id := tracker.Begin()
//	status, err := transport.Send(ctx)
//	tracker.End(id, status, err)
//
// Every id issued by [Tracker.Begin] is valid for exactly one [Tracker.End];
// a second End on the same id returns [ErrUnknownSample] and leaves the
// aggregates untouched.
//
// # Partial and Final Views
//
// [Tracker.Partial] drains the current reporting window and returns it as a
// [Snapshot]; successive snapshots are additive and non-overlapping, so
// concatenating them reproduces the totals of the final [Stats] returned by
// [Tracker.Results].
//
// # Percentiles
//
// Latency percentiles come from an HdrHistogram (1µs..60s, 3 significant
// figures), which behaves correctly with zero, one, or many samples.
//
// # Thread Safety
//
// The Tracker is safe for concurrent use from any number of virtual users.
package metrics
