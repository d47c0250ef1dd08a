package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry is the type-keyed fan-out of inbound messages.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]entry
	current  func() Message

	exec serial

	// Stats
	statsMu       sync.Mutex
	dispatched    int64
	delivered     int64
	unrouted      int64
	handlerPanics int64
}

type entry struct {
	id uuid.UUID
	h  Handler
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string][]entry),
	}
}

// SetStateSource installs the function that reports the current connection
// state to late "connection_state" subscribers.
func (r *Registry) SetStateSource(fn func() Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = fn
}

// Subscribe registers h under msgType. Subscribing to "connection_state"
// also delivers the current state to h, through the same serial executor as
// every other delivery: synchronously when the registry is idle, otherwise
// after the delivery in progress. The state is read when the replay runs, so
// h never sees it go backwards.
func (r *Registry) Subscribe(msgType string, h Handler) Subscription {
	sub := Subscription{ID: uuid.New(), Type: msgType}

	r.mu.Lock()
	r.handlers[msgType] = append(r.handlers[msgType], entry{id: sub.ID, h: h})
	current := r.current
	r.mu.Unlock()

	r.logger.Debug("subscribed", "type", msgType, "subscription", sub.ID)

	if msgType == TypeConnectionState && current != nil {
		r.exec.post(func() {
			if r.subscribed(sub) {
				r.invoke(sub.ID, msgType, h, current())
			}
		})
		r.Run()
	}

	return sub
}

// Unsubscribe removes exactly the handler identified by sub. Returns false
// if it was not registered.
func (r *Registry) Unsubscribe(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[sub.Type]
	for i, e := range list {
		if e.id != sub.ID {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, sub.Type)
		} else {
			r.handlers[sub.Type] = next
		}
		r.logger.Debug("unsubscribed", "type", sub.Type, "subscription", sub.ID)
		return true
	}
	return false
}

func (r *Registry) subscribed(sub Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.handlers[sub.Type] {
		if e.id == sub.ID {
			return true
		}
	}
	return false
}

// Count returns the number of handlers registered under msgType.
func (r *Registry) Count(msgType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[msgType])
}

// Decode reads the type tag of a raw frame.
func (r *Registry) Decode(data []byte) (Message, error) {
	var envelope messageEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if envelope.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrDecode)
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return Message{Type: envelope.Type, Data: raw}, nil
}

// Dispatch delivers msg to every handler for msg.Type, then to every
// wildcard handler, each group in registration order. The connection_state
// channel is not forwarded to wildcard handlers.
//
// Deliveries are serialized across goroutines. A Dispatch made while another
// delivery is running (including from inside a handler) is queued behind it
// and returns immediately.
func (r *Registry) Dispatch(msg Message) {
	r.Post(msg)
	r.Run()
}

// Post queues msg for delivery without running handlers. It is safe to call
// while holding locks that handlers may need; follow it with Run once those
// locks are released.
func (r *Registry) Post(msg Message) {
	r.exec.post(func() { r.deliver(msg) })
}

// Run delivers queued messages unless another goroutine is already doing so.
func (r *Registry) Run() {
	r.exec.run()
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	subs := 0
	for _, list := range r.handlers {
		subs += len(list)
	}
	r.mu.RUnlock()

	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return Stats{
		Dispatched:    r.dispatched,
		Delivered:     r.delivered,
		Unrouted:      r.unrouted,
		HandlerPanics: r.handlerPanics,
		Subscriptions: subs,
	}
}

// deliver runs the handlers for one message. The handler lists are copied
// first so subscription changes made by a handler apply to the next message.
func (r *Registry) deliver(msg Message) {
	r.mu.RLock()
	exact := append([]entry(nil), r.handlers[msg.Type]...)
	var wildcard []entry
	if msg.Type != TypeConnectionState && msg.Type != TypeWildcard {
		wildcard = append(wildcard, r.handlers[TypeWildcard]...)
	}
	r.mu.RUnlock()

	r.statsMu.Lock()
	r.dispatched++
	if len(exact)+len(wildcard) == 0 {
		r.unrouted++
	}
	r.statsMu.Unlock()

	if len(exact)+len(wildcard) == 0 {
		r.logger.Debug("no subscribers for message type", "type", msg.Type)
		return
	}

	for _, e := range exact {
		r.invoke(e.id, msg.Type, e.h, msg)
	}
	for _, e := range wildcard {
		r.invoke(e.id, TypeWildcard, e.h, msg)
	}
}

// invoke calls one handler, converting a panic into a log line.
func (r *Registry) invoke(id uuid.UUID, channel string, h Handler, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.statsMu.Lock()
			r.handlerPanics++
			r.statsMu.Unlock()
			r.logger.Error("subscriber handler panicked",
				"channel", channel,
				"type", msg.Type,
				"subscription", id,
				"panic", rec,
			)
		}
	}()

	h(msg)

	r.statsMu.Lock()
	r.delivered++
	r.statsMu.Unlock()
}
