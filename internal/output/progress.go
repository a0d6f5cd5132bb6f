package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/torosent/loadswarm/internal/metrics"
)

// Progress prints one line per partial statistics window. The operation owns
// the reporting cadence; Progress only formats whatever window it is handed.
type Progress struct {
	mu sync.Mutex
	w  io.Writer
}

// NewProgress creates a progress printer.
func NewProgress(w io.Writer) *Progress {
	if w == nil {
		w = io.Discard
	}
	return &Progress{w: w}
}

// Report formats a partial window. Safe for concurrent use.
func (p *Progress) Report(snap metrics.Snapshot) {
	if snap.Total == 0 && snap.Window <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "Requests: %d | Failures: %d | Mean: %s | P95: %s | RPS: %.1f\n",
		snap.Total,
		snap.Failures,
		roundLatency(snap.MeanLatency),
		roundLatency(snap.P95Latency),
		snap.RequestsPerSec,
	)
}

func roundLatency(d time.Duration) time.Duration {
	return d.Round(10 * time.Microsecond)
}
