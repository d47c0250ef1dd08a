package connection

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/pushsession/internal/queue"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrClosed           = errors.New("session closed")
	ErrExhaustedRetries = errors.New("reconnect attempts exhausted")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSocketNotAlive   = errors.New("socket no longer alive")
)

// Close codes.
const (
	CloseNormal    = websocket.CloseNormalClosure // 1000
	CloseGoingAway = websocket.CloseGoingAway     // 1001
	CloseAbnormal  = websocket.CloseAbnormalClosure

	// CloseHeartbeatTimeout is sent when the heartbeat monitor gives up on a
	// socket. It is in the application range so the manager treats it as a
	// reconnect trigger.
	CloseHeartbeatTimeout = 4000
)

// Frame types handled by the manager itself.
const (
	FrameHeartbeat        = "heartbeat"
	FrameHeartbeatAck     = "heartbeat_response"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameConnectionStatus = "connection_status"
)

// controlFrame is the shape of every frame the manager originates.
type controlFrame struct {
	Type string `json:"type"`
}

// connectionStatusFrame is the server handshake.
type connectionStatusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Config configures the Connection Manager.
type Config struct {
	URL string // Push endpoint, e.g. wss://app.example.com/ws/notifications

	HeartbeatInterval   time.Duration // How often a heartbeat frame is sent while open
	HeartbeatCheckDelay time.Duration // Delay after each heartbeat before checking for an ack
	HeartbeatTimeout    time.Duration // Max silence since the last ack before forcing a close

	ReconnectBaseWait    time.Duration // Delay before the first retry
	ReconnectMaxWait     time.Duration // Cap on any retry delay
	MaxReconnectAttempts int           // Retries before giving up (state Failed)
	ReconnectJitter      float64       // Fraction of the delay added at random, 0 disables

	HealthCheckInterval time.Duration // Periodic socket liveness check, 0 disables

	HandshakeTimeout time.Duration // WebSocket dial/handshake timeout
	WriteTimeout     time.Duration // Write deadline for sends

	Queue queue.Config // Outbound buffer bound and overflow policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatCheckDelay:  50 * time.Second,
		HeartbeatTimeout:     90 * time.Second,
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     30 * time.Second,
		MaxReconnectAttempts: 5,
		HealthCheckInterval:  15 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		Queue:                queue.DefaultConfig(),
	}
}
