package router

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Reserved channels.
const (
	TypeConnectionState = "connection_state"
	TypeWildcard        = "*"
)

// ErrDecode marks a frame that is not valid JSON or carries no type tag.
var ErrDecode = errors.New("decode frame")

// Message is a decoded inbound frame. Data holds the complete frame bytes.
type Message struct {
	Type string
	Data json.RawMessage
}

// Decode unmarshals the full frame into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Handler consumes messages for one subscription.
type Handler func(Message)

// Subscription identifies one registered handler. It is the token passed
// back to Unsubscribe.
type Subscription struct {
	ID   uuid.UUID
	Type string
}

// Valid reports whether the subscription was issued by a registry.
func (s Subscription) Valid() bool {
	return s.ID != uuid.Nil
}

// Stats contains registry statistics.
type Stats struct {
	Dispatched    int64
	Delivered     int64
	Unrouted      int64 // messages with no matching handler
	HandlerPanics int64
	Subscriptions int
}

// messageEnvelope is used to read the type tag without a full parse.
type messageEnvelope struct {
	Type string `json:"type"`
}
