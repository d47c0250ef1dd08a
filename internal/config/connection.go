package config

import (
	"github.com/rickgao/pushsession/internal/auth"
	"github.com/rickgao/pushsession/internal/connection"
	"github.com/rickgao/pushsession/internal/queue"
)

// Connection converts the session section into a connection.Config. Call it
// after ApplyDefaults.
func (s SessionConfig) Connection() (connection.Config, error) {
	overflow, err := queue.ParseOverflow(s.Queue.Overflow)
	if err != nil {
		return connection.Config{}, err
	}

	cfg := connection.DefaultConfig()
	cfg.URL = s.Endpoint
	cfg.HeartbeatInterval = s.HeartbeatInterval
	cfg.HeartbeatCheckDelay = s.HeartbeatCheckDelay
	cfg.HeartbeatTimeout = s.HeartbeatTimeout
	cfg.ReconnectBaseWait = s.ReconnectBaseDelay
	cfg.ReconnectMaxWait = s.ReconnectMaxDelay
	cfg.MaxReconnectAttempts = s.MaxReconnectAttempts
	cfg.ReconnectJitter = s.ReconnectJitter
	cfg.HealthCheckInterval = s.HealthCheckInterval
	cfg.HandshakeTimeout = s.HandshakeTimeout
	cfg.WriteTimeout = s.WriteTimeout
	cfg.Queue.MaxLen = s.Queue.MaxLen
	cfg.Queue.Overflow = overflow
	return cfg, nil
}

// Credentials returns the handshake credentials, or nil if none are set.
func (s SessionConfig) Credentials() *auth.Credentials {
	c := &auth.Credentials{
		Token:     s.Auth.Token,
		TokenFile: s.Auth.TokenFile,
		Cookie:    s.Auth.Cookie,
	}
	if c.Empty() {
		return nil
	}
	return c
}
