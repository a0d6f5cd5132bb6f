package operation

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/loadswarm/internal/metrics"
	"github.com/torosent/loadswarm/internal/vuser"
)

const (
	defaultReportInterval   = 5 * time.Second
	defaultGracefulShutdown = 5 * time.Second

	// Open-loop user starts are spread over this window to avoid a
	// thundering-herd burst of simultaneous first requests.
	startStaggerWindow = time.Second
)

// TransportFactory builds the transport for one user slot. The index is
// available for per-user request shaping such as URL index substitution.
type TransportFactory func(index int) (vuser.Transport, error)

// Options configure an Operation.
type Options struct {
	Concurrency   int           // number of virtual users
	TotalRequests int           // stop after this many completed attempts (0 means unlimited)
	Duration      time.Duration // stop after this much wall-clock time (0 means no cap)
	Rate          float64       // per-user requests per second (0 means closed-loop)

	NewTransport TransportFactory // required

	// OnPartial receives a non-overlapping statistics window on every report
	// interval and one final flush at stop. Optional.
	OnPartial      func(metrics.Snapshot)
	ReportInterval time.Duration

	// GracefulShutdown bounds how long Stop waits for in-flight requests
	// before cancelling them outright. Negative cancels immediately.
	GracefulShutdown time.Duration

	// RandomSeed makes the start stagger deterministic. Zero seeds from the
	// clock.
	RandomSeed int64

	// LimiterFactory is forwarded to each user's pacer for tests.
	LimiterFactory func(rps float64) *rate.Limiter
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.TotalRequests < 0 {
		o.TotalRequests = 0
	}
	if o.Rate < 0 {
		o.Rate = 0
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = defaultReportInterval
	}
	if o.GracefulShutdown == 0 {
		o.GracefulShutdown = defaultGracefulShutdown
	}
	if o.RandomSeed == 0 {
		o.RandomSeed = time.Now().UnixNano()
	}
}
