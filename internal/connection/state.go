package connection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/pushsession/internal/router"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// signalName is the name published on the connection_state channel.
func (s State) signalName() string {
	switch s {
	case StateOpen:
		return "connected"
	case StateClosed:
		return "disconnected"
	default:
		return s.String()
	}
}

// MarshalText encodes the state as its connection_state signal name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.signalName()), nil
}

// UnmarshalText accepts either the signal name or the state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "connecting":
		*s = StateConnecting
	case "connected", "open":
		*s = StateOpen
	case "reconnecting":
		*s = StateReconnecting
	case "disconnected", "closed":
		*s = StateClosed
	case "failed":
		*s = StateFailed
	default:
		return fmt.Errorf("unknown connection state %q", b)
	}
	return nil
}

// Terminal reports whether no further transitions happen without an explicit
// Connect.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// StateChange describes one transition. It is published to connection_state
// subscribers as JSON.
type StateChange struct {
	Session uuid.UUID     `json:"session"`
	From    State         `json:"from"`
	To      State         `json:"state"`
	Attempt int           `json:"attempt"`
	RetryIn time.Duration `json:"-"`
	Code    int           `json:"code,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Err     string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

type stateChangeFrame struct {
	Type string `json:"type"`
	StateChange
	RetryInMs int64 `json:"retry_in_ms,omitempty"`
}

// Message wraps the change as a connection_state router message.
func (c StateChange) Message() router.Message {
	f := stateChangeFrame{Type: router.TypeConnectionState, StateChange: c}
	f.RetryInMs = c.RetryIn.Milliseconds()
	data, _ := json.Marshal(f)
	return router.Message{Type: router.TypeConnectionState, Data: data}
}

// DecodeStateChange reads a connection_state message back into a StateChange.
func DecodeStateChange(msg router.Message) (StateChange, error) {
	if msg.Type != router.TypeConnectionState {
		return StateChange{}, fmt.Errorf("%w: type %q is not %s", router.ErrDecode, msg.Type, router.TypeConnectionState)
	}
	var f stateChangeFrame
	if err := msg.Decode(&f); err != nil {
		return StateChange{}, fmt.Errorf("%w: %v", router.ErrDecode, err)
	}
	c := f.StateChange
	c.RetryIn = time.Duration(f.RetryInMs) * time.Millisecond
	return c, nil
}
