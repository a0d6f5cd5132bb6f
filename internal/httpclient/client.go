package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/torosent/loadswarm/internal/config"
	"github.com/torosent/loadswarm/internal/tracing"
)

const maxCheckBodyBytes = 1024 * 1024

// Transport performs one HTTP request/response exchange per Send. It
// implements the vuser transport contract: a non-nil error is a
// connection-level failure, a returned status >= 300 is an application-level
// failure carrying the numeric status. Redirects are not followed, so the
// first response is the one classified.
type Transport struct {
	client *http.Client
	method string
	target string
	header http.Header
	body   []byte
	checks []Check
	trace  *tracing.Provider
}

// New builds the transport for one user slot. The user index replaces the
// configured index token in the target URL. Configuration problems are
// reported here, never per-request.
func New(cfg *config.Config, index int, client *http.Client, tp *tracing.Provider) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	target := strings.TrimSpace(cfg.TargetURL)
	if target == "" {
		return nil, errors.New("target URL is required")
	}
	target = config.SubstituteIndex(target, cfg.IndexToken, index)

	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}

	header := http.Header{}
	for key, value := range cfg.Headers {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" || strings.ContainsAny(trimmedKey, "\r\n") {
			return nil, fmt.Errorf("invalid header key %q", key)
		}
		canonicalKey := http.CanonicalHeaderKey(trimmedKey)
		if strings.ContainsAny(value, "\r\n") {
			return nil, fmt.Errorf("invalid header value for %s", canonicalKey)
		}
		header.Set(canonicalKey, value)
	}

	body, err := cfg.BodyBytes()
	if err != nil {
		return nil, err
	}
	if len(body) > 0 && cfg.ContentType != "" {
		header.Set("Content-Type", cfg.ContentType)
	}
	if len(cfg.Cookies) > 0 {
		header.Set("Cookie", strings.Join(cfg.Cookies, "; "))
	}

	checks, err := ParseChecks(cfg.JSONChecks)
	if err != nil {
		return nil, err
	}

	return &Transport{
		client: client,
		method: method,
		target: target,
		header: header,
		body:   body,
		checks: checks,
		trace:  tp,
	}, nil
}

// Send performs one exchange against the target.
func (t *Transport) Send(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartRequestSpan(ctx, t.trace.Tracer(), "http", t.target)

	req, err := t.newRequest(ctx)
	if err != nil {
		tracing.EndSpan(span, err)
		return 0, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		tracing.EndSpan(span, err)
		return 0, err
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if status < 300 && len(t.checks) > 0 {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxCheckBodyBytes))
		if readErr != nil {
			tracing.EndSpan(span, readErr, attribute.Int("http.response.status_code", status))
			return status, readErr
		}
		if checkErr := RunChecks(body, t.checks); checkErr != nil {
			tracing.EndSpan(span, checkErr, attribute.Int("http.response.status_code", status))
			return status, checkErr
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	var statusErr error
	if status >= 300 {
		statusErr = fmt.Errorf("status %d", status)
	}
	tracing.EndSpan(span, statusErr, attribute.Int("http.response.status_code", status))
	return status, nil
}

func (t *Transport) newRequest(ctx context.Context) (*http.Request, error) {
	var reader io.Reader
	if len(t.body) > 0 {
		reader = bytes.NewReader(t.body)
	}
	req, err := http.NewRequestWithContext(ctx, t.method, t.target, reader)
	if err != nil {
		return nil, err
	}

	req.Header = make(http.Header, len(t.header))
	for key, values := range t.header {
		for _, val := range values {
			req.Header.Add(key, val)
		}
	}
	if len(t.body) > 0 {
		req.ContentLength = int64(len(t.body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(t.body)), nil
		}
	}

	if t.trace.ShouldPropagate() {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}
	return req, nil
}

// Close releases nothing; the underlying http.Client is shared across users
// and owns the connection pool.
func (t *Transport) Close() error { return nil }

// NewClient creates an HTTP client tuned for load generation. Redirects are
// not followed: a 3xx is returned to the caller for classification.
func NewClient(timeout time.Duration) *http.Client {
	if timeout < 0 {
		timeout = 0
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
