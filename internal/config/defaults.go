package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatCheckDelay  = 50 * time.Second
	DefaultHeartbeatTimeout     = 90 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHealthCheckInterval  = 15 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultQueueMaxLen          = 1000
	DefaultQueueOverflow        = "reject"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 1 * time.Second
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Session defaults
	s := &c.Session
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if s.HeartbeatCheckDelay == 0 {
		s.HeartbeatCheckDelay = DefaultHeartbeatCheckDelay
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if s.ReconnectBaseDelay == 0 {
		s.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if s.ReconnectMaxDelay == 0 {
		s.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if s.HealthCheckInterval == 0 {
		s.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.Queue.MaxLen == 0 {
		s.Queue.MaxLen = DefaultQueueMaxLen
	}
	if s.Queue.Overflow == "" {
		s.Queue.Overflow = DefaultQueueOverflow
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
