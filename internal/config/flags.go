package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loadswarm",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

func configureFlags(flags *pflag.FlagSet) {
	// Core request flags
	flags.String("target", "", "Target URL to load test (http, https, ws or wss)")
	flags.String("method", "GET", "HTTP method to use")
	flags.StringSlice("header", nil, "Additional request header in key=value form")
	flags.StringSlice("cookie", nil, "Request cookie in name=value form (repeatable)")
	flags.String("body", "", "Inline request body payload")
	flags.String("body-file", "", "Path to file containing the request body")
	flags.String("content-type", "", "Content-Type header for the request body")
	flags.String("index-token", DefaultIndexToken, "URL token replaced by the virtual user index")

	// Load control flags
	flags.IntP("concurrency", "c", 1, "Number of virtual users")
	flags.Float64P("rate", "r", 0, "Requests per second per virtual user (0 means closed-loop)")
	flags.DurationP("duration", "d", 0, "How long to run the test (e.g. 30s, 1m)")
	flags.IntP("total", "t", 0, "Total number of requests to send (0 means unlimited)")
	flags.Duration("timeout", 0, "Per-request HTTP timeout (0 means none)")
	flags.Duration("graceful-shutdown", 5*time.Second, "Max time to wait for in-flight requests after the run stops (negative cancels immediately)")

	// Response check flags
	flags.StringSlice("json-check", nil, "Response JSON assertion in path=value form (repeatable)")
	flags.StringSlice("threshold", nil, "Pass/fail assertion over final stats, e.g. 'latency:p95 < 500' (repeatable)")

	// Output flags
	flags.Duration("report-interval", 5*time.Second, "Interval between partial statistics reports")
	flags.BoolP("quiet", "q", false, "Suppress periodic progress output")
	flags.Bool("json-output", false, "Emit JSON formatted output")
	flags.Bool("log-errors", false, "Log each failed request to stderr")
	flags.StringP("output", "o", "", "Write the final report to a file (.json or .yaml)")
	flags.String("config", "", "Path to configuration file (JSON or YAML)")

	// WebSocket flags
	flags.String("ws-message", "", "WebSocket message to send each attempt (defaults to the body)")
	flags.Bool("ws-recover", false, "Redial the WebSocket connection after a socket error")
	flags.Duration("ws-handshake-timeout", 30*time.Second, "WebSocket handshake timeout")
	flags.Duration("ws-receive-timeout", 10*time.Second, "WebSocket acknowledgement receive timeout")

	// Tracing flags
	flags.String("trace-endpoint", "", "OTLP endpoint for trace export (empty disables tracing)")
	flags.String("trace-protocol", "grpc", "OTLP protocol: 'grpc' or 'http'")
	flags.String("trace-service", "", "Service name reported on spans")
	flags.Bool("trace-insecure", false, "Skip TLS verification for the OTLP exporter")
	flags.Bool("trace-propagate", false, "Inject W3C trace context headers into requests")
	flags.Float64("trace-sample-rate", 1.0, "Trace sampling ratio between 0.0 and 1.0")
}

func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config,
// overriding values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("target") {
		val, err := fs.GetString("target")
		if err != nil {
			return err
		}
		cfg.TargetURL = strings.TrimSpace(val)
	}
	if fs.Changed("method") {
		val, err := fs.GetString("method")
		if err != nil {
			return err
		}
		cfg.Method = val
	}
	if fs.Changed("body") {
		val, err := fs.GetString("body")
		if err != nil {
			return err
		}
		cfg.Body = val
		cfg.BodyFile = ""
	}
	if fs.Changed("body-file") {
		val, err := fs.GetString("body-file")
		if err != nil {
			return err
		}
		cfg.BodyFile = val
		cfg.Body = ""
	}
	if fs.Changed("content-type") {
		val, err := fs.GetString("content-type")
		if err != nil {
			return err
		}
		cfg.ContentType = strings.TrimSpace(val)
	}
	if fs.Changed("index-token") {
		val, err := fs.GetString("index-token")
		if err != nil {
			return err
		}
		cfg.IndexToken = val
	}
	if fs.Changed("concurrency") {
		val, err := fs.GetInt("concurrency")
		if err != nil {
			return err
		}
		cfg.Concurrency = val
	}
	if fs.Changed("rate") {
		val, err := fs.GetFloat64("rate")
		if err != nil {
			return err
		}
		cfg.Rate = val
	}
	if fs.Changed("duration") {
		val, err := fs.GetDuration("duration")
		if err != nil {
			return err
		}
		cfg.Duration = val
	}
	if fs.Changed("total") {
		val, err := fs.GetInt("total")
		if err != nil {
			return err
		}
		cfg.Total = val
	}
	if fs.Changed("timeout") {
		val, err := fs.GetDuration("timeout")
		if err != nil {
			return err
		}
		cfg.Timeout = val
	}
	if fs.Changed("graceful-shutdown") {
		val, err := fs.GetDuration("graceful-shutdown")
		if err != nil {
			return err
		}
		cfg.GracefulShutdown = val
	}
	if fs.Changed("json-check") {
		val, err := fs.GetStringSlice("json-check")
		if err != nil {
			return err
		}
		cfg.JSONChecks = val
	}
	if fs.Changed("threshold") {
		val, err := fs.GetStringSlice("threshold")
		if err != nil {
			return err
		}
		cfg.Thresholds = val
	}
	if fs.Changed("report-interval") {
		val, err := fs.GetDuration("report-interval")
		if err != nil {
			return err
		}
		cfg.ReportInterval = val
	}
	if fs.Changed("quiet") {
		val, err := fs.GetBool("quiet")
		if err != nil {
			return err
		}
		cfg.Quiet = val
	}
	if fs.Changed("json-output") {
		val, err := fs.GetBool("json-output")
		if err != nil {
			return err
		}
		cfg.JSONOutput = val
	}
	if fs.Changed("log-errors") {
		val, err := fs.GetBool("log-errors")
		if err != nil {
			return err
		}
		cfg.LogErrors = val
	}
	if fs.Changed("output") {
		val, err := fs.GetString("output")
		if err != nil {
			return err
		}
		cfg.OutputFile = strings.TrimSpace(val)
	}

	vals, err := fs.GetStringSlice("header")
	if err != nil {
		return err
	}
	if len(vals) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		for _, entry := range vals {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("header must be in key=value format: %s", entry)
			}
			key := http.CanonicalHeaderKey(strings.TrimSpace(parts[0]))
			if key == "" {
				return fmt.Errorf("header key cannot be empty")
			}
			cfg.Headers[key] = strings.TrimSpace(parts[1])
		}
	}

	cookies, err := fs.GetStringSlice("cookie")
	if err != nil {
		return err
	}
	if len(cookies) > 0 {
		for _, entry := range cookies {
			if !strings.Contains(entry, "=") {
				return fmt.Errorf("cookie must be in name=value format: %s", entry)
			}
			cfg.Cookies = append(cfg.Cookies, strings.TrimSpace(entry))
		}
	}

	if fs.Changed("ws-message") {
		val, err := fs.GetString("ws-message")
		if err != nil {
			return err
		}
		cfg.WebSocket.Message = val
	}
	if fs.Changed("ws-recover") {
		val, err := fs.GetBool("ws-recover")
		if err != nil {
			return err
		}
		cfg.WebSocket.Recover = val
	}
	if fs.Changed("ws-handshake-timeout") {
		val, err := fs.GetDuration("ws-handshake-timeout")
		if err != nil {
			return err
		}
		cfg.WebSocket.HandshakeTimeout = val
	}
	if fs.Changed("ws-receive-timeout") {
		val, err := fs.GetDuration("ws-receive-timeout")
		if err != nil {
			return err
		}
		cfg.WebSocket.ReceiveTimeout = val
	}

	if fs.Changed("trace-endpoint") {
		val, err := fs.GetString("trace-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("trace-protocol") {
		val, err := fs.GetString("trace-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("trace-service") {
		val, err := fs.GetString("trace-service")
		if err != nil {
			return err
		}
		cfg.Tracing.ServiceName = strings.TrimSpace(val)
	}
	if fs.Changed("trace-insecure") {
		val, err := fs.GetBool("trace-insecure")
		if err != nil {
			return err
		}
		cfg.Tracing.Insecure = val
	}
	if fs.Changed("trace-propagate") {
		val, err := fs.GetBool("trace-propagate")
		if err != nil {
			return err
		}
		cfg.Tracing.Propagate = val
	}
	if fs.Changed("trace-sample-rate") {
		val, err := fs.GetFloat64("trace-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}

	return nil
}
