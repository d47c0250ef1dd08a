package config

import "time"

// Config is the root configuration for a push session process.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Journal JournalConfig `yaml:"journal"`
}

// SessionConfig holds push connection settings.
type SessionConfig struct {
	Endpoint string `yaml:"endpoint"` // ws:// or wss:// push endpoint

	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatCheckDelay time.Duration `yaml:"heartbeat_check_delay"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`

	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectJitter      float64       `yaml:"reconnect_jitter"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`

	Queue QueueConfig `yaml:"queue"`
	Auth  AuthConfig  `yaml:"auth"`
}

// AuthConfig holds handshake credentials. Token and TokenFile are exclusive.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	Cookie    string `yaml:"cookie"`
}

// QueueConfig bounds the outbound buffer used while disconnected.
type QueueConfig struct {
	MaxLen   int    `yaml:"max_len"`  // 0 = default, negative = unbounded
	Overflow string `yaml:"overflow"` // reject, drop_oldest, drop_newest
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// JournalConfig holds the optional state-transition journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
