// Package session is the consumer-facing surface of the push connection.
//
// A Provider lazily creates one Session and hands out Handles to it. Each
// Handle is one consumer; the Session stays up while any Handle is held and
// is closed normally when the last one is released.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/pushsession/internal/connection"
	"github.com/rickgao/pushsession/internal/router"
)

// ErrReleased is returned by operations on a released Handle or on a Handle
// whose session was shut down.
var ErrReleased = errors.New("session handle released")

// ReleaseReason is the close reason used when the last consumer leaves.
const ReleaseReason = "no active consumers"

// Provider owns the process's session.
//
// At most one session has a live socket at a time. A session created while
// an older one is still closing starts connecting only once the older
// socket is closed.
type Provider struct {
	cfg    connection.Config
	opts   []connection.Option
	logger *slog.Logger

	mu       sync.Mutex
	current  *Session
	retiring int // sessions whose Retire has not returned yet
}

// NewProvider creates a provider. opts are applied to every Manager it
// creates.
func NewProvider(cfg connection.Config, logger *slog.Logger, opts ...connection.Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// Session is one refcounted connection manager.
type Session struct {
	mgr *connection.Manager

	// Guarded by Provider.mu.
	refs   int
	closed bool

	startOnce sync.Once
	ready     chan struct{} // closed once the manager is started
}

// Manager returns the underlying connection manager.
func (s *Session) Manager() *connection.Manager {
	return s.mgr
}

func (s *Session) start() {
	s.startOnce.Do(func() {
		close(s.ready)
		s.mgr.Start()
	})
}

// Acquire registers a consumer. The first consumer creates the session and
// starts connecting.
func (p *Provider) Acquire() *Handle {
	p.mu.Lock()
	created := false
	if p.current == nil {
		opts := append([]connection.Option{connection.WithLogger(p.logger)}, p.opts...)
		p.current = &Session{
			mgr:   connection.NewManager(p.cfg, opts...),
			ready: make(chan struct{}),
		}
		created = true
	}
	s := p.current
	s.refs++
	refs := s.refs
	startNow := created && p.retiring == 0
	p.mu.Unlock()

	if created {
		p.logger.Info("session created", "session_id", s.mgr.ID(), "url", p.cfg.URL, "deferred", !startNow)
	}
	if startNow {
		s.start()
	}
	p.logger.Debug("session acquired", "session_id", s.mgr.ID(), "refs", refs)

	return &Handle{p: p, s: s}
}

// Session returns the live session, or nil if there is none.
func (p *Provider) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Refs returns the number of unreleased handles on the live session.
func (p *Provider) Refs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.refs
}

// Shutdown closes the live session regardless of outstanding handles. Those
// handles are retired: their operations return ErrReleased. A later Acquire
// creates a new session.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	s := p.current
	if s != nil {
		p.retireLocked(s)
	}
	p.mu.Unlock()

	if s != nil {
		p.logger.Info("session shut down", "session_id", s.mgr.ID())
		p.finishRetire(s, connection.CloseGoingAway, "shutdown")
	}
}

func (p *Provider) release(s *Session) {
	p.mu.Lock()
	s.refs--
	refs := s.refs
	last := refs == 0 && !s.closed
	if last {
		p.retireLocked(s)
	}
	p.mu.Unlock()

	p.logger.Debug("session released", "session_id", s.mgr.ID(), "refs", refs)
	if last {
		p.logger.Info("closing session", "session_id", s.mgr.ID(), "reason", ReleaseReason)
		p.finishRetire(s, connection.CloseNormal, ReleaseReason)
	}
}

// retireLocked detaches s. The caller must follow with finishRetire.
func (p *Provider) retireLocked(s *Session) {
	s.closed = true
	if p.current == s {
		p.current = nil
	}
	p.retiring++
}

// finishRetire closes s and then starts a session that was created while
// older ones were closing.
func (p *Provider) finishRetire(s *Session, code int, reason string) {
	s.mgr.Retire(code, reason)
	// Unblocks Connect calls waiting on a session that never started; the
	// retired manager ignores Start.
	s.start()

	p.mu.Lock()
	p.retiring--
	next := p.current
	if p.retiring > 0 || next == nil {
		next = nil
	}
	p.mu.Unlock()

	if next != nil {
		next.start()
	}
}

// Handle is one consumer's view of the session.
type Handle struct {
	p *Provider
	s *Session

	mu       sync.Mutex
	released bool
	subs     map[uuid.UUID]router.Subscription
}

// SessionID returns the identifier of the session behind the handle.
func (h *Handle) SessionID() uuid.UUID {
	return h.s.mgr.ID()
}

// Connect waits until the session is open. See connection.Manager.Connect.
// A session created while an older one is closing waits for it first.
func (h *Handle) Connect(ctx context.Context) error {
	if h.isReleased() {
		return ErrReleased
	}
	select {
	case <-h.s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := h.s.mgr.Connect(ctx); err != nil {
		if h.isReleased() {
			return ErrReleased
		}
		return err
	}
	return nil
}

// Send sends v as a JSON frame. It reports true if the frame was written now
// and false if it was queued until the session reopens.
func (h *Handle) Send(v any) (bool, error) {
	if h.isReleased() {
		return false, ErrReleased
	}
	return h.checkRetired(h.s.mgr.Send(v))
}

// SendRaw sends a pre-encoded JSON frame. See Send.
func (h *Handle) SendRaw(data []byte) (bool, error) {
	if h.isReleased() {
		return false, ErrReleased
	}
	return h.checkRetired(h.s.mgr.SendRaw(data))
}

// checkRetired reports a send refused by a session retired after the
// handle's check as ErrReleased.
func (h *Handle) checkRetired(sent bool, err error) (bool, error) {
	if errors.Is(err, connection.ErrClosed) {
		return false, ErrReleased
	}
	return sent, err
}

// Subscribe registers fn for frames of msgType. Use router.TypeWildcard for
// every application frame and router.TypeConnectionState for state changes.
// A released handle returns an invalid Subscription.
func (h *Handle) Subscribe(msgType string, fn router.Handler) router.Subscription {
	if h.isReleased() {
		return router.Subscription{}
	}

	// Registered outside h.mu: a connection_state handler runs immediately
	// and may call back into the handle.
	reg := h.s.mgr.Registry()
	sub := reg.Subscribe(msgType, fn)

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		reg.Unsubscribe(sub)
		return router.Subscription{}
	}
	if h.subs == nil {
		h.subs = make(map[uuid.UUID]router.Subscription)
	}
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription made through this handle.
func (h *Handle) Unsubscribe(sub router.Subscription) bool {
	h.mu.Lock()
	if own, ok := h.subs[sub.ID]; !ok || own.Type != sub.Type {
		h.mu.Unlock()
		return false
	}
	delete(h.subs, sub.ID)
	h.mu.Unlock()

	return h.s.mgr.Registry().Unsubscribe(sub)
}

// State returns the session's connection state.
func (h *Handle) State() connection.State {
	return h.s.mgr.State()
}

// IsConnected reports whether the session is open.
func (h *Handle) IsConnected() bool {
	return h.s.mgr.IsConnected()
}

// Release drops the handle's subscriptions and its reference. Releasing the
// last handle closes the session. Safe to call more than once.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	reg := h.s.mgr.Registry()
	for _, sub := range subs {
		reg.Unsubscribe(sub)
	}
	h.p.release(h.s)
}

// isReleased reports whether the handle or its session has been retired.
func (h *Handle) isReleased() bool {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return true
	}

	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.s.closed
}
