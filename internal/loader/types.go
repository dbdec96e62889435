// Package loader - Configuration Types
//
// Defines the YAML configuration structure for tubewatchd:
//
//	broker:  {host, port, dial_timeout, op_timeout, action_timeout}
//	stats:   {limit, interval}
//	http:    {listen, shutdown_timeout, max_stream_duration}
//	log:     {level, format}
//	export:  {compression}
package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/tubewatch/config"
	"github.com/xtxerr/tubewatch/internal/history"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for tubewatchd.
type Config struct {
	// Broker is the beanstalkd instance to watch.
	Broker BrokerConfig `yaml:"broker"`

	// Stats controls sampling and history size.
	Stats StatsConfig `yaml:"stats"`

	// HTTP configures the API server.
	HTTP HTTPConfig `yaml:"http"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`

	// Export configures parquet exports.
	Export ExportConfig `yaml:"export"`
}

// BrokerConfig configures broker connections.
type BrokerConfig struct {
	// Host of the broker.
	// Default: "localhost", env: BROKER_HOST
	Host string `yaml:"host"`

	// Port of the broker.
	// Default: 11300, env: BROKER_PORT
	Port int `yaml:"port"`

	// DialTimeout bounds one connection attempt.
	DialTimeout Duration `yaml:"dial_timeout"`

	// OpTimeout bounds one command round-trip.
	OpTimeout Duration `yaml:"op_timeout"`

	// ActionTimeout bounds a whole admin action.
	ActionTimeout Duration `yaml:"action_timeout"`
}

// Address returns host:port.
func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// StatsConfig controls the sampler. Plain numbers are seconds.
type StatsConfig struct {
	// Limit is how much history to keep.
	// Default: 86400, env: STATS_LIMIT
	Limit Duration `yaml:"limit"`

	// Interval is the time between two samples. Fractions are allowed.
	// Default: 1, env: STATS_INTERVAL
	Interval Duration `yaml:"interval"`
}

// Capacity returns the number of samples needed to cover Limit.
func (s StatsConfig) Capacity() int {
	return history.Capacity(s.Limit.Duration(), s.Interval.Duration())
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	// Listen is the API listen address.
	// Default: "0.0.0.0:5000", env: LISTEN, flag: -listen
	Listen string `yaml:"listen"`

	// ShutdownTimeout is how long in-flight requests get on shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// MaxStreamDuration caps the duration of one stats stream.
	MaxStreamDuration Duration `yaml:"max_stream_duration"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info", env: LOG_LEVEL, flag: -log-level
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: "text", env: LOG_FORMAT, flag: -log-json
	Format string `yaml:"format"`
}

// JSON reports whether logs are written as JSON.
func (l LogConfig) JSON() bool {
	return strings.EqualFold(l.Format, "json")
}

// ExportConfig configures parquet exports.
type ExportConfig struct {
	// Compression is one of zstd, snappy, gzip, none.
	// Default: "zstd"
	Compression string `yaml:"compression"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:          config.DefaultBrokerHost,
			Port:          config.DefaultBrokerPort,
			DialTimeout:   Duration(config.DefaultDialTimeout),
			OpTimeout:     Duration(config.DefaultOpTimeout),
			ActionTimeout: Duration(config.DefaultActionTimeout),
		},
		Stats: StatsConfig{
			Limit:    Duration(config.DefaultStatsLimit * time.Second),
			Interval: Duration(config.DefaultStatsInterval * time.Second),
		},
		HTTP: HTTPConfig{
			Listen:            config.DefaultListenAddress,
			ShutdownTimeout:   Duration(config.DefaultShutdownTimeout),
			MaxStreamDuration: Duration(config.DefaultMaxStreamDuration),
		},
		Log: LogConfig{
			Level:  config.DefaultLogLevel,
			Format: config.DefaultLogFormat,
		},
		Export: ExportConfig{
			Compression: "zstd",
		},
	}
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// It accepts Go duration strings ("1.5s", "2m") and plain numbers of
// seconds ("0.5", 86400).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := ParseSeconds(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ParseSeconds parses a plain number of seconds, fractions allowed, or a
// Go duration string.
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return dur, nil
}
