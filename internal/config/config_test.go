package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		TargetURL:      "http://localhost:8080/ping",
		Concurrency:    1,
		ReportInterval: 5 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantIssue string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "valid websocket", mutate: func(c *Config) { c.TargetURL = "wss://host/feed" }},
		{name: "missing target", mutate: func(c *Config) { c.TargetURL = "" }, wantIssue: "target is required"},
		{name: "bad scheme", mutate: func(c *Config) { c.TargetURL = "ftp://host/file" }, wantIssue: "scheme"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantIssue: "concurrency"},
		{name: "negative rate", mutate: func(c *Config) { c.Rate = -1 }, wantIssue: "rate"},
		{name: "negative total", mutate: func(c *Config) { c.Total = -5 }, wantIssue: "total"},
		{name: "negative duration", mutate: func(c *Config) { c.Duration = -time.Second }, wantIssue: "duration"},
		{name: "zero report interval", mutate: func(c *Config) { c.ReportInterval = 0 }, wantIssue: "report interval"},
		{name: "body and body file", mutate: func(c *Config) {
			c.Body = "{}"
			c.BodyFile = "body.json"
		}, wantIssue: "mutually exclusive"},
		{name: "malformed json check", mutate: func(c *Config) { c.JSONChecks = []string{"nope"} }, wantIssue: "json check"},
		{name: "negative ws receive timeout", mutate: func(c *Config) { c.WebSocket.ReceiveTimeout = -1 }, wantIssue: "receive_timeout"},
		{name: "sample rate out of range", mutate: func(c *Config) { c.Tracing.SampleRate = 1.5 }, wantIssue: "sample_rate"},
		{name: "bad trace protocol", mutate: func(c *Config) { c.Tracing.Protocol = "udp" }, wantIssue: "protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantIssue == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			var vErr ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Validate() error = %v, want ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.wantIssue) {
				t.Fatalf("Validate() error = %q, want mention of %q", err, tt.wantIssue)
			}
		})
	}
}

func TestValidateAggregatesIssues(t *testing.T) {
	cfg := Config{TargetURL: "", Concurrency: 0, Rate: -1, ReportInterval: time.Second}
	err := cfg.Validate()
	var vErr ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Validate() error = %v, want ValidationError", err)
	}
	if got := len(vErr.Issues()); got != 3 {
		t.Fatalf("Issues() count = %d, want 3: %v", got, vErr.Issues())
	}
}

func TestSubstituteIndex(t *testing.T) {
	tests := []struct {
		name   string
		target string
		token  string
		index  int
		want   string
	}{
		{name: "default token", target: "http://h/user/{{index}}", token: "", index: 3, want: "http://h/user/3"},
		{name: "custom token", target: "http://h?id=__N__", token: "__N__", index: 12, want: "http://h?id=12"},
		{name: "multiple occurrences", target: "http://h/{{index}}/{{index}}", token: "{{index}}", index: 0, want: "http://h/0/0"},
		{name: "token absent", target: "http://h/plain", token: "{{index}}", index: 9, want: "http://h/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SubstituteIndex(tt.target, tt.token, tt.index); got != tt.want {
				t.Fatalf("SubstituteIndex() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSchemeDetection(t *testing.T) {
	tests := []struct {
		target string
		ws     bool
	}{
		{target: "http://h", ws: false},
		{target: "https://h", ws: false},
		{target: "ws://h/feed", ws: true},
		{target: "WSS://h/feed", ws: true},
		{target: "not a url at all://", ws: false},
	}
	for _, tt := range tests {
		cfg := Config{TargetURL: tt.target}
		if got := cfg.IsWebSocket(); got != tt.ws {
			t.Errorf("IsWebSocket(%q) = %v, want %v", tt.target, got, tt.ws)
		}
	}
}

func TestBodyBytes(t *testing.T) {
	t.Run("inline body", func(t *testing.T) {
		cfg := Config{Body: `{"a":1}`}
		data, err := cfg.BodyBytes()
		if err != nil || string(data) != `{"a":1}` {
			t.Fatalf("BodyBytes() = (%q, %v)", data, err)
		}
	})

	t.Run("body file wins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "body.json")
		if err := os.WriteFile(path, []byte("from-file"), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg := Config{Body: "inline", BodyFile: path}
		data, err := cfg.BodyBytes()
		if err != nil || string(data) != "from-file" {
			t.Fatalf("BodyBytes() = (%q, %v)", data, err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := Config{BodyFile: filepath.Join(t.TempDir(), "absent.json")}
		if _, err := cfg.BodyBytes(); err == nil {
			t.Fatal("BodyBytes() error = nil for a missing file")
		}
	})

	t.Run("empty", func(t *testing.T) {
		var cfg Config
		data, err := cfg.BodyBytes()
		if err != nil || data != nil {
			t.Fatalf("BodyBytes() = (%v, %v), want (nil, nil)", data, err)
		}
	})
}
