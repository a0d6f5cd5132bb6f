package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torosent/loadswarm/internal/config"
)

// Counters tracks per-connection message and byte totals for the final
// report.
type Counters struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	Reconnects       int64
}

// Transport performs one WebSocket send/acknowledge exchange per Send over a
// persistent connection owned by a single virtual user. It maps the exchange
// onto the same two-outcome shape as HTTP: a non-nil error is a
// connection-level failure, with close codes surfaced as the status.
//
// Sends are serialized per connection: there is one socket and one
// acknowledgement stream, so concurrent Send calls from an open-loop pacer
// queue on the connection instead of overlapping in flight.
type Transport struct {
	target  string
	header  http.Header
	dialer  *websocket.Dialer
	message []byte

	recover        bool
	receiveTimeout time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	sticky   error // permanent failure when recovery is disabled
	counters Counters
}

// New builds the transport for one user slot. The user index replaces the
// configured index token in the target URL.
func New(cfg *config.Config, index int) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	target := strings.TrimSpace(cfg.TargetURL)
	if target == "" {
		return nil, errors.New("target URL is required")
	}
	target = config.SubstituteIndex(target, cfg.IndexToken, index)

	header := http.Header{}
	for key, value := range cfg.Headers {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" || strings.ContainsAny(trimmedKey, "\r\n") {
			return nil, fmt.Errorf("invalid header key %q", key)
		}
		if strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("invalid header value for %s", key)
		}
		header.Set(http.CanonicalHeaderKey(trimmedKey), value)
	}
	if len(cfg.Cookies) > 0 {
		header.Set("Cookie", strings.Join(cfg.Cookies, "; "))
	}

	handshake := cfg.WebSocket.HandshakeTimeout
	if handshake == 0 {
		handshake = 30 * time.Second
	}

	message := cfg.WebSocket.Message
	if message == "" {
		message = cfg.Body
	}

	return &Transport{
		target: target,
		header: header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshake,
			Proxy:            http.ProxyFromEnvironment,
		},
		message:        []byte(message),
		recover:        cfg.WebSocket.Recover,
		receiveTimeout: cfg.WebSocket.ReceiveTimeout,
	}, nil
}

// Send writes the configured message and reads one acknowledgement frame.
// On a socket error the connection is torn down; with recovery enabled the
// next attempt redials, otherwise the failure becomes permanent and every
// later attempt reports it immediately. Either way the failing attempt
// counts as one completed error upstream.
func (t *Transport) Send(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sticky != nil {
		return 0, t.sticky
	}

	conn, err := t.ensureConn(ctx)
	if err != nil {
		return t.fail(err)
	}

	if err := t.exchange(ctx, conn); err != nil {
		t.dropConn()
		return t.fail(err)
	}
	return 0, nil
}

func (t *Transport) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.target, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if t.counters.MessagesSent > 0 || t.counters.MessagesReceived > 0 {
		t.counters.Reconnects++
	}
	t.conn = conn
	return conn, nil
}

func (t *Transport) exchange(ctx context.Context, conn *websocket.Conn) error {
	// gorilla reads/writes take deadlines, not contexts; bridge cancellation
	// by poisoning the deadlines when ctx fires.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			now := time.Now()
			_ = conn.SetReadDeadline(now)
			_ = conn.SetWriteDeadline(now)
		case <-watchDone:
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, t.message); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	t.counters.MessagesSent++
	t.counters.BytesSent += int64(len(t.message))

	if t.receiveTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.receiveTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	t.counters.MessagesReceived++
	t.counters.BytesReceived += int64(len(data))
	return nil
}

// fail records the error, honoring the recovery toggle. Close codes are
// surfaced as the numeric status so they land in their own bucket.
func (t *Transport) fail(err error) (int, error) {
	if !t.recover {
		t.sticky = err
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code != 0 {
		return closeErr.Code, err
	}
	return 0, err
}

func (t *Transport) dropConn() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// Counters returns a snapshot of the connection totals.
func (t *Transport) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Close closes the connection gracefully with a close frame.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second),
	)
	closeErr := t.conn.Close()
	t.conn = nil

	if err != nil {
		return err
	}
	return closeErr
}
