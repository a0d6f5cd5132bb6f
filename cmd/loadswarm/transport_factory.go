package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/torosent/loadswarm/internal/config"
	"github.com/torosent/loadswarm/internal/httpclient"
	"github.com/torosent/loadswarm/internal/tracing"
	"github.com/torosent/loadswarm/internal/vuser"
	"github.com/torosent/loadswarm/internal/wsclient"
)

// transportFactory builds one transport per user slot, dispatching on the
// target scheme. WebSocket transports are retained so their connection
// counters can be aggregated into the final report.
type transportFactory struct {
	cfg   *config.Config
	trace *tracing.Provider

	clientOnce sync.Once
	client     *http.Client

	mu  sync.Mutex
	wss []*wsclient.Transport
}

func newTransportFactory(cfg *config.Config, tp *tracing.Provider) *transportFactory {
	return &transportFactory{cfg: cfg, trace: tp}
}

// New builds the transport for the given user index.
func (f *transportFactory) New(index int) (vuser.Transport, error) {
	var t vuser.Transport
	if f.cfg.IsWebSocket() {
		ws, err := wsclient.New(f.cfg, index)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.wss = append(f.wss, ws)
		f.mu.Unlock()
		t = ws
	} else {
		f.clientOnce.Do(func() {
			f.client = httpclient.NewClient(f.cfg.Timeout)
		})
		ht, err := httpclient.New(f.cfg, index, f.client, f.trace)
		if err != nil {
			return nil, err
		}
		t = ht
	}
	if f.cfg.LogErrors {
		t = &loggingTransport{next: t, log: stderrLogger}
	}
	return t, nil
}

// Counters aggregates the connection totals across all WebSocket users.
func (f *transportFactory) Counters() wsclient.Counters {
	f.mu.Lock()
	defer f.mu.Unlock()

	var total wsclient.Counters
	for _, ws := range f.wss {
		c := ws.Counters()
		total.MessagesSent += c.MessagesSent
		total.MessagesReceived += c.MessagesReceived
		total.BytesSent += c.BytesSent
		total.BytesReceived += c.BytesReceived
		total.Reconnects += c.Reconnects
	}
	return total
}

func printWebSocketCounters(w io.Writer, c wsclient.Counters) {
	fmt.Fprintln(w, "\nWebSocket:")
	fmt.Fprintf(w, "  Messages Sent:     %d\n", c.MessagesSent)
	fmt.Fprintf(w, "  Messages Received: %d\n", c.MessagesReceived)
	fmt.Fprintf(w, "  Bytes Sent:        %d\n", c.BytesSent)
	fmt.Fprintf(w, "  Bytes Received:    %d\n", c.BytesReceived)
	fmt.Fprintf(w, "  Reconnects:        %d\n", c.Reconnects)
}

// loggingTransport logs each failed exchange to stderr without altering the
// outcome seen by the caller.
type loggingTransport struct {
	next vuser.Transport
	log  func(format string, args ...any)
}

func (l *loggingTransport) Send(ctx context.Context) (int, error) {
	status, err := l.next.Send(ctx)
	if err != nil {
		l.log("[loadswarm] request failed: %v\n", err)
	} else if status >= 300 {
		l.log("[loadswarm] request failed with status %d\n", status)
	}
	return status, err
}

func (l *loggingTransport) Close() error { return l.next.Close() }

var stderrMu sync.Mutex

func stderrLogger(format string, args ...any) {
	stderrMu.Lock()
	defer stderrMu.Unlock()
	fmt.Fprintf(os.Stderr, format, args...)
}
