package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/tubewatch/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tubewatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if got := cfg.Stats.Capacity(); got != 86400 {
		t.Errorf("default capacity = %d, want 86400", got)
	}
	if got := cfg.Broker.Address(); got != "localhost:11300" {
		t.Errorf("broker address = %q", got)
	}
}

func TestLoadMissingOptionalFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Listen != "0.0.0.0:5000" {
		t.Errorf("listen = %q, want default", cfg.HTTP.Listen)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false); err == nil {
		t.Error("missing required file should fail")
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TW_TEST_HOST", "queue.internal")
	path := writeConfig(t, `
broker:
  host: ${TW_TEST_HOST}
  port: 11301
  dial_timeout: 500ms
stats:
  limit: 3600
  interval: 0.5
http:
  listen: 127.0.0.1:8080
log:
  level: debug
  format: json
`)

	cfg, err := Load(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Host != "queue.internal" || cfg.Broker.Port != 11301 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Broker.DialTimeout.Duration() != 500*time.Millisecond {
		t.Errorf("dial timeout = %v", cfg.Broker.DialTimeout.Duration())
	}
	if cfg.Stats.Interval.Duration() != 500*time.Millisecond {
		t.Errorf("interval = %v, want 500ms", cfg.Stats.Interval.Duration())
	}
	if got := cfg.Stats.Capacity(); got != 7200 {
		t.Errorf("capacity = %d, want 7200", got)
	}
	if !cfg.Log.JSON() {
		t.Error("log format should be json")
	}
	// Untouched sections keep their defaults.
	if cfg.Broker.OpTimeout.Duration() != 5*time.Second {
		t.Errorf("op timeout = %v, want default", cfg.Broker.OpTimeout.Duration())
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := writeConfig(t, "stats:\n  interval: soon\n")
	if _, err := Load(path, false); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(cfg, envMap(map[string]string{
		EnvBrokerHost:    "10.0.0.5",
		EnvBrokerPort:    "11400",
		EnvStatsLimit:    "600",
		EnvStatsInterval: "0.25",
		EnvListen:        ":9000",
		EnvLogLevel:      "warn",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Host != "10.0.0.5" || cfg.Broker.Port != 11400 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if got := cfg.Stats.Capacity(); got != 2400 {
		t.Errorf("capacity = %d, want 2400", got)
	}
	if cfg.HTTP.Listen != ":9000" || cfg.Log.Level != "warn" {
		t.Errorf("listen/level = %q/%q", cfg.HTTP.Listen, cfg.Log.Level)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	cfg := DefaultConfig()
	err := ApplyEnv(cfg, envMap(map[string]string{
		EnvBrokerPort:    "eleven",
		EnvStatsInterval: "often",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	var verrs *errors.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs.Errors) != 2 {
		t.Errorf("error = %v, want 2 collected errors", err)
	}
	if cfg.Broker.Port != 11300 {
		t.Errorf("bad value should not override, port = %d", cfg.Broker.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"empty host", func(c *Config) { c.Broker.Host = "" }, "broker.host"},
		{"port zero", func(c *Config) { c.Broker.Port = 0 }, "broker.port"},
		{"port too big", func(c *Config) { c.Broker.Port = 70000 }, "broker.port"},
		{"zero limit", func(c *Config) { c.Stats.Limit = 0 }, "stats.limit"},
		{"negative interval", func(c *Config) { c.Stats.Interval = Duration(-time.Second) }, "stats.interval"},
		{"interval above limit", func(c *Config) { c.Stats.Interval = Duration(2 * time.Hour); c.Stats.Limit = Duration(time.Hour) }, "stats.interval"},
		{"empty listen", func(c *Config) { c.HTTP.Listen = "" }, "http.listen"},
		{"bad listen", func(c *Config) { c.HTTP.Listen = "nowhere" }, "http.listen"},
		{"bad level", func(c *Config) { c.Log.Level = "chatty" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad codec", func(c *Config) { c.Export.Compression = "brotli" }, "export.compression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.IsValidation(err) {
				t.Errorf("error %v is not a validation error", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err.Error(), tt.field)
			}
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker.Host = ""
	cfg.Broker.Port = -1
	cfg.Stats.Limit = 0

	var verrs *errors.ValidationErrors
	if err := Validate(cfg); !errors.As(err, &verrs) || len(verrs.Errors) != 3 {
		t.Errorf("Validate() = %v, want 3 errors", err)
	}
}

func TestParseSeconds(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1", time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{" 86400 ", 86400 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSeconds(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeconds(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseSeconds(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(DefaultConfig())
	if s.Broker != "localhost:11300" || s.Capacity != 86400 || s.IntervalSeconds != 1 {
		t.Errorf("summary = %+v", s)
	}
}
