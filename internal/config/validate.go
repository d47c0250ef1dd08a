package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/rickgao/pushsession/internal/queue"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Session.validate(); err != nil {
		return err
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return errors.New("metrics.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.New("metrics.path must start with /")
		}
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.FlushInterval <= 0 {
			return errors.New("journal.flush_interval must be > 0")
		}
	}

	return nil
}

func (s *SessionConfig) validate() error {
	if s.Endpoint == "" {
		return errors.New("session.endpoint is required")
	}
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return fmt.Errorf("session.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("session.endpoint must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("session.endpoint must include a host")
	}

	if s.HeartbeatInterval <= 0 {
		return errors.New("session.heartbeat_interval must be > 0")
	}
	if s.HeartbeatTimeout <= s.HeartbeatInterval {
		return fmt.Errorf("session.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)", s.HeartbeatTimeout, s.HeartbeatInterval)
	}
	if s.ReconnectBaseDelay <= 0 {
		return errors.New("session.reconnect_base_delay must be > 0")
	}
	if s.ReconnectMaxDelay < s.ReconnectBaseDelay {
		return fmt.Errorf("session.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)", s.ReconnectMaxDelay, s.ReconnectBaseDelay)
	}
	if s.MaxReconnectAttempts < 0 {
		return errors.New("session.max_reconnect_attempts must be >= 0")
	}
	if s.ReconnectJitter < 0 || s.ReconnectJitter > 1 {
		return errors.New("session.reconnect_jitter must be between 0 and 1")
	}
	if _, err := queue.ParseOverflow(s.Queue.Overflow); err != nil {
		return fmt.Errorf("session.queue.overflow: %w", err)
	}
	if s.Auth.Token != "" && s.Auth.TokenFile != "" {
		return errors.New("session.auth: token and token_file are mutually exclusive")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}
