// Package loader handles configuration loading and validation.
//
// Sources are applied in order, later ones win:
//   - built-in defaults (config package)
//   - the YAML file, with ${VAR} expansion
//   - environment variables
//   - command-line flags (applied by the caller)
package loader

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/logging"
	"github.com/xtxerr/tubewatch/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load reads the YAML file at path on top of the defaults. A missing file
// is not an error when optional is set.
func Load(path string, optional bool) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// =============================================================================
// Environment
// =============================================================================

// Environment variable names.
const (
	EnvBrokerHost    = "BROKER_HOST"
	EnvBrokerPort    = "BROKER_PORT"
	EnvStatsLimit    = "STATS_LIMIT"
	EnvStatsInterval = "STATS_INTERVAL"
	EnvListen        = "LISTEN"
	EnvLogLevel      = "LOG_LEVEL"
	EnvLogFormat     = "LOG_FORMAT"
)

// ApplyEnv overrides cfg from the environment. getenv is usually
// os.Getenv. Malformed values are collected and returned together.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	errs := errors.NewValidationErrors()

	if v := getenv(EnvBrokerHost); v != "" {
		cfg.Broker.Host = v
	}
	if v := getenv(EnvBrokerPort); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs.Add(errors.NewInvalidValue(EnvBrokerPort, v, "not an integer"))
		} else {
			cfg.Broker.Port = port
		}
	}
	if v := getenv(EnvStatsLimit); v != "" {
		d, err := ParseSeconds(v)
		if err != nil {
			errs.Add(errors.NewInvalidValue(EnvStatsLimit, v, err.Error()))
		} else {
			cfg.Stats.Limit = Duration(d)
		}
	}
	if v := getenv(EnvStatsInterval); v != "" {
		d, err := ParseSeconds(v)
		if err != nil {
			errs.Add(errors.NewInvalidValue(EnvStatsInterval, v, err.Error()))
		} else {
			cfg.Stats.Interval = Duration(d)
		}
	}
	if v := getenv(EnvListen); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv(EnvLogFormat); v != "" {
		cfg.Log.Format = v
	}

	return errs.Err()
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration and reports every problem at once.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Broker validation
	if strings.TrimSpace(cfg.Broker.Host) == "" {
		errs.AddMissing("broker.host")
	} else if err := validation.ValidateHost(cfg.Broker.Host); err != nil {
		errs.AddField("broker.host", err.Error())
	}
	if err := validation.ValidatePort(cfg.Broker.Port); err != nil {
		errs.AddField("broker.port", err.Error())
	}
	if cfg.Broker.DialTimeout <= 0 {
		errs.AddField("broker.dial_timeout", "must be positive")
	}
	if cfg.Broker.OpTimeout <= 0 {
		errs.AddField("broker.op_timeout", "must be positive")
	}

	// Stats validation
	if cfg.Stats.Limit <= 0 {
		errs.AddField("stats.limit", "must be positive")
	}
	if cfg.Stats.Interval <= 0 {
		errs.AddField("stats.interval", "must be positive")
	}
	if cfg.Stats.Limit > 0 && cfg.Stats.Interval > cfg.Stats.Limit {
		errs.AddField("stats.interval", "cannot exceed stats.limit")
	}

	// HTTP validation
	if cfg.HTTP.Listen == "" {
		errs.AddMissing("http.listen")
	} else if err := validation.ValidateListenAddress(cfg.HTTP.Listen); err != nil {
		errs.AddField("http.listen", err.Error())
	}
	if cfg.HTTP.ShutdownTimeout < 0 {
		errs.AddField("http.shutdown_timeout", "cannot be negative")
	}

	// Log validation
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs.AddField("log.level", err.Error())
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json", "":
	default:
		errs.AddField("log.format", fmt.Sprintf("unknown format %q", cfg.Log.Format))
	}

	// Export validation
	switch cfg.Export.Compression {
	case "zstd", "snappy", "gzip", "none", "":
	default:
		errs.AddField("export.compression", fmt.Sprintf("unknown codec %q", cfg.Export.Compression))
	}

	return errs.Err()
}

// =============================================================================
// Summary
// =============================================================================

// Summary is the part of the configuration reported by the status endpoint.
type Summary struct {
	Broker          string  `json:"broker"`
	LimitSeconds    float64 `json:"limit_seconds"`
	IntervalSeconds float64 `json:"interval_seconds"`
	Capacity        int     `json:"capacity"`
	Listen          string  `json:"listen"`
}

// Summarize returns the status summary of cfg.
func Summarize(cfg *Config) Summary {
	return Summary{
		Broker:          cfg.Broker.Address(),
		LimitSeconds:    cfg.Stats.Limit.Duration().Seconds(),
		IntervalSeconds: cfg.Stats.Interval.Duration().Seconds(),
		Capacity:        cfg.Stats.Capacity(),
		Listen:          cfg.HTTP.Listen,
	}
}
