package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultIndexToken is the URL placeholder replaced by the user index.
const DefaultIndexToken = "{{index}}"

// Config is the fully-resolved option set for one run.
type Config struct {
	TargetURL   string            `mapstructure:"target"`
	Method      string            `mapstructure:"method"`
	Headers     map[string]string `mapstructure:"headers"`
	Cookies     []string          `mapstructure:"cookies"`
	Body        string            `mapstructure:"body"`
	BodyFile    string            `mapstructure:"body_file"`
	ContentType string            `mapstructure:"content_type"`

	Concurrency int           `mapstructure:"concurrency"`
	Total       int           `mapstructure:"total"`
	Duration    time.Duration `mapstructure:"duration"`
	Rate        float64       `mapstructure:"rate"`
	Timeout     time.Duration `mapstructure:"timeout"`

	IndexToken string   `mapstructure:"index_token"`
	JSONChecks []string `mapstructure:"json_checks"`
	Thresholds []string `mapstructure:"thresholds"`

	ReportInterval   time.Duration `mapstructure:"report_interval"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`

	Quiet      bool   `mapstructure:"quiet"`
	JSONOutput bool   `mapstructure:"json_output"`
	LogErrors  bool   `mapstructure:"log_errors"`
	OutputFile string `mapstructure:"output"`
	ConfigFile string `mapstructure:"-"`

	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// WebSocketConfig tunes the WebSocket transport.
type WebSocketConfig struct {
	Message          string        `mapstructure:"message"`
	Recover          bool          `mapstructure:"recover"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReceiveTimeout   time.Duration `mapstructure:"receive_timeout"`
}

// TracingConfig configures optional OTLP trace export.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   bool    `mapstructure:"propagate"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Enabled reports whether spans should be exported.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// ShouldPropagate reports whether W3C trace headers should be injected into
// outgoing requests.
func (t TracingConfig) ShouldPropagate() bool {
	return t.Propagate
}

// Scheme returns the lower-cased target URL scheme, or "" when the target
// does not parse.
func (c Config) Scheme() string {
	u, err := url.Parse(strings.TrimSpace(c.TargetURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// IsWebSocket reports whether the target selects the WebSocket transport.
func (c Config) IsWebSocket() bool {
	scheme := c.Scheme()
	return scheme == "ws" || scheme == "wss"
}

// BodyBytes resolves the request body from the inline value or the body
// file.
func (c Config) BodyBytes() ([]byte, error) {
	if strings.TrimSpace(c.BodyFile) != "" {
		data, err := os.ReadFile(c.BodyFile)
		if err != nil {
			return nil, fmt.Errorf("read body file: %w", err)
		}
		return data, nil
	}
	if c.Body == "" {
		return nil, nil
	}
	return []byte(c.Body), nil
}

// SubstituteIndex replaces every occurrence of token in target with the
// decimal user index. An empty token falls back to DefaultIndexToken.
func SubstituteIndex(target, token string, index int) string {
	if token == "" {
		token = DefaultIndexToken
	}
	return strings.ReplaceAll(target, token, strconv.Itoa(index))
}

// ValidationError aggregates every configuration issue found by Validate.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

// Issues returns a copy of the individual problems.
func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate checks the configuration before the run begins. A non-nil result
// means the run must never start.
func (c Config) Validate() error {
	var issues []string

	target := strings.TrimSpace(c.TargetURL)
	if target == "" {
		issues = append(issues, "target is required (use --help for usage information)")
	} else {
		u, err := url.Parse(target)
		if err != nil {
			issues = append(issues, fmt.Sprintf("target does not parse: %v", err))
		} else {
			switch strings.ToLower(u.Scheme) {
			case "http", "https", "ws", "wss":
			default:
				issues = append(issues, fmt.Sprintf("target scheme %q is not supported (http, https, ws, wss)", u.Scheme))
			}
		}
	}

	if c.Concurrency < 1 {
		issues = append(issues, "concurrency must be >= 1")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if c.Total < 0 {
		issues = append(issues, "total must be >= 0")
	}
	if c.Duration < 0 {
		issues = append(issues, "duration must be >= 0")
	}
	if c.Timeout < 0 {
		issues = append(issues, "timeout must be >= 0")
	}
	if c.ReportInterval <= 0 {
		issues = append(issues, "report interval must be > 0")
	}
	if strings.TrimSpace(c.Body) != "" && strings.TrimSpace(c.BodyFile) != "" {
		issues = append(issues, "body and bodyFile are mutually exclusive")
	}

	for _, spec := range c.JSONChecks {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			issues = append(issues, fmt.Sprintf("json check must be in path=value form: %q", spec))
		}
	}

	if c.WebSocket.HandshakeTimeout < 0 {
		issues = append(issues, "websocket: handshake_timeout must be >= 0")
	}
	if c.WebSocket.ReceiveTimeout < 0 {
		issues = append(issues, "websocket: receive_timeout must be >= 0")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		issues = append(issues, fmt.Sprintf("tracing: sample_rate must be between 0.0 and 1.0, got %g", c.Tracing.SampleRate))
	}
	switch strings.ToLower(strings.TrimSpace(c.Tracing.Protocol)) {
	case "", "grpc", "http":
	default:
		issues = append(issues, fmt.Sprintf("tracing: protocol %q is not supported (grpc or http)", c.Tracing.Protocol))
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}
