// Package config provides configuration defaults and utilities
// for the tubewatch application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via tubewatch.yaml, environment variables
// or command-line flags.
package config

import "time"

// =============================================================================
// Broker Defaults
// =============================================================================

const (
	// DefaultBrokerHost is the broker host the sampler connects to.
	// Override via config: broker.host, env: BROKER_HOST
	DefaultBrokerHost = "localhost"

	// DefaultBrokerPort is the standard beanstalkd port.
	// Override via config: broker.port, env: BROKER_PORT
	DefaultBrokerPort = 11300

	// DefaultDialTimeout bounds a single connection attempt.
	// Must stay below the stats interval, otherwise ticks overrun while
	// the broker is unreachable.
	// Override via config: broker.dial_timeout
	DefaultDialTimeout = 2 * time.Second

	// DefaultOpTimeout bounds one broker command round-trip. A broker that
	// accepts the connection but stops answering counts as lost.
	// Override via config: broker.op_timeout
	DefaultOpTimeout = 5 * time.Second

	// DefaultActionTimeout bounds a whole admin command, which may issue
	// many broker commands on one connection.
	DefaultActionTimeout = 60 * time.Second
)

// =============================================================================
// Stats Defaults
// =============================================================================

const (
	// DefaultStatsLimit is how much history is retained, in seconds.
	// Override via config: stats.limit, env: STATS_LIMIT
	DefaultStatsLimit = 86400

	// DefaultStatsInterval is the time between two samples, in seconds.
	// Override via config: stats.interval, env: STATS_INTERVAL
	DefaultStatsInterval = 1
)

// =============================================================================
// HTTP Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: http.listen, env: LISTEN, flag: -listen
	DefaultListenAddress = "0.0.0.0:5000"

	// DefaultShutdownTimeout is how long in-flight requests get to finish
	// during shutdown. Streaming requests are cancelled immediately.
	// Override via config: http.shutdown_timeout
	DefaultShutdownTimeout = 5 * time.Second

	// DefaultMaxStreamDuration caps the duration query parameter of the
	// stats stream.
	DefaultMaxStreamDuration = time.Hour

	// DefaultMaxActionBody limits the size of an action request body.
	DefaultMaxActionBody = 64 * 1024
)

// =============================================================================
// Wire Defaults
// =============================================================================

const (
	// DefaultMaxMessageSize limits a single decoded stream message.
	// A broker with thousands of tubes produces large samples, 16 MiB
	// leaves plenty of room.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogLevel is the default log level.
	// Override via config: log.level, env: LOG_LEVEL, flag: -log-level
	DefaultLogLevel = "info"

	// DefaultLogFormat is the default log format ("text" or "json").
	// Override via config: log.format, env: LOG_FORMAT, flag: -log-json
	DefaultLogFormat = "text"
)

// =============================================================================
// Client Defaults
// =============================================================================

const (
	// DefaultServerURL is the tubewatch server tubectl talks to.
	// Override via flag: --server, env: TUBEWATCH_SERVER
	DefaultServerURL = "http://localhost:5000"

	// DefaultRequestTimeout bounds non-streaming client requests.
	DefaultRequestTimeout = 30 * time.Second
)
