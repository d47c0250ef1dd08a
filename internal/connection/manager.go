package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/pushsession/internal/clock"
	"github.com/rickgao/pushsession/internal/queue"
	"github.com/rickgao/pushsession/internal/router"
)

// Manager owns the push socket and its state machine.
//
// All state lives behind mu. Socket writes are serialized by sendMu, which is
// always acquired while holding mu and then held across the write after mu is
// released, so writes go out in the order their callers took mu.
type Manager struct {
	cfg      Config
	id       uuid.UUID
	logger   *slog.Logger
	clock    clock.Clock
	dialer   Dialer
	observer Observer
	registry *router.Registry
	rnd      func() float64

	heartbeat *HeartbeatMonitor
	queue     *queue.Queue[[]byte]

	mu          sync.Mutex
	m           machine
	sock        Socket
	gen         uint64 // socket generation; bumped on each dial and each retirement
	dialing     bool   // connect-in-flight latch
	redial      bool
	dialCancel  context.CancelFunc
	retryTimer  clock.Timer
	retrySeq    uint64
	healthTimer clock.Timer
	waiters     []chan error
	last        StateChange
	retired     bool // Retire was called; nothing reopens the connection

	sendMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the clock used for every timer.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithObserver adds an observer. May be given more than once.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o == nil {
			return
		}
		if obs, ok := m.observer.(Observers); ok {
			m.observer = append(obs, o)
			return
		}
		m.observer = Observers{o}
	}
}

// WithRegistry routes inbound frames to r instead of a private registry.
func WithRegistry(r *router.Registry) Option {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithRandom sets the source used for reconnect jitter.
func WithRandom(rnd func() float64) Option {
	return func(m *Manager) {
		m.rnd = rnd
	}
}

// NewManager creates an idle manager. Nothing is dialed until Start or
// Connect.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		id:       uuid.New(),
		logger:   slog.Default(),
		clock:    clock.Real(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.With("session_id", m.id)
	if m.dialer == nil {
		m.dialer = NewWSDialer(cfg, m.logger)
	}
	if m.registry == nil {
		m.registry = router.NewRegistry(m.logger)
	}

	m.m = machine{state: StateIdle, policy: newBackoff(cfg)}
	m.queue = queue.New[[]byte](cfg.Queue)
	m.heartbeat = NewHeartbeatMonitor(cfg, m.clock, m.sendHeartbeat, m.onHeartbeatTimeout, m.logger)
	m.last = StateChange{Session: m.id, From: StateIdle, To: StateIdle, At: m.clock.Now()}
	m.registry.SetStateSource(m.currentStateMessage)

	return m
}

// ID returns the session identifier.
func (m *Manager) ID() uuid.UUID {
	return m.id
}

// Registry returns the registry inbound frames are dispatched to.
func (m *Manager) Registry() *router.Registry {
	return m.registry
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m.state
}

// IsConnected reports whether the state is Open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// Attempt returns the number of reconnect attempts since the last Open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m.attempt
}

// LastChange returns the most recent state transition.
func (m *Manager) LastChange() StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// LastHeartbeatAck returns when the server last acknowledged a heartbeat.
func (m *Manager) LastHeartbeatAck() time.Time {
	return m.heartbeat.LastAck()
}

// QueueLen returns the number of frames waiting for the next Open.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// QueueStats returns outbound queue statistics.
func (m *Manager) QueueStats() queue.Stats {
	return m.queue.Stats()
}

// Start begins connecting without waiting for the result.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return
	}
	after := m.fire(event{kind: evConnect})
	m.mu.Unlock()
	runAll(after)
}

// Connect starts a connection if none is open or in flight and waits for the
// outcome. It returns nil once Open, ErrExhaustedRetries if the manager gives
// up, and ErrClosed if it is closed deliberately first or retired.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	m.waiters = append(m.waiters, ch)
	after := m.fire(event{kind: evConnect})
	m.mu.Unlock()
	runAll(after)

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == ch {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Close cancels all timers, closes the socket with code and reason and moves
// to Closed. A later Connect reopens.
func (m *Manager) Close(code int, reason string) {
	m.mu.Lock()
	after := m.fire(event{kind: evShutdown, code: code, reason: reason})
	m.mu.Unlock()
	runAll(after)
}

// Retire closes like Close and then refuses to reopen: Start is a no-op,
// Connect and Send return ErrClosed. An open socket is closed before Retire
// returns; an in-flight dial is cancelled.
func (m *Manager) Retire(code int, reason string) {
	m.mu.Lock()
	m.retired = true
	after := m.fire(event{kind: evShutdown, code: code, reason: reason})
	m.mu.Unlock()
	runAll(after)
}

// Retired reports whether Retire was called.
func (m *Manager) Retired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retired
}

// Send encodes v as JSON and sends it. It reports true if the frame was
// written now and false if it was queued for the next Open.
func (m *Manager) Send(v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode frame: %w", err)
	}
	return m.SendRaw(data)
}

// SendRaw sends a pre-encoded frame. See Send.
func (m *Manager) SendRaw(data []byte) (bool, error) {
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return false, ErrClosed
	}
	if m.m.state != StateOpen || m.sock == nil {
		err := m.enqueueLocked(data)
		m.mu.Unlock()
		return false, err
	}
	sock, gen := m.sock, m.gen
	m.sendMu.Lock()
	m.mu.Unlock()

	err := sock.Write(data)
	m.sendMu.Unlock()
	if err == nil {
		return true, nil
	}

	m.logger.Warn("send failed, queueing frame", "error", err)
	qerr := m.requeue(gen, [][]byte{data}, false)
	m.socketFailed(gen, err)
	return false, qerr
}

// requeue returns frames that failed on socket generation gen to the queue,
// at the head when front is set. When a newer socket is already open its
// Open flush has run, so the queue is flushed on it here.
func (m *Manager) requeue(gen uint64, frames [][]byte, front bool) error {
	m.mu.Lock()
	var err error
	if front {
		m.queue.PushFront(frames)
		m.observer.QueueDepth(m.queue.Len())
	} else {
		for _, data := range frames {
			if err = m.enqueueLocked(data); err != nil {
				break
			}
		}
	}
	var flush func()
	if gen != m.gen && m.m.state == StateOpen && m.sock != nil {
		flush = m.flushLocked()
	}
	m.mu.Unlock()

	if flush != nil {
		flush()
	}
	return err
}

func (m *Manager) enqueueLocked(data []byte) error {
	err := m.queue.Push(data)
	m.observer.QueueDepth(m.queue.Len())
	if err != nil {
		return fmt.Errorf("queue frame: %w", err)
	}
	return nil
}

// writeControl writes a manager-originated frame on the open socket. Control
// frames are never queued.
func (m *Manager) writeControl(frameType string) error {
	data, err := json.Marshal(controlFrame{Type: frameType})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.m.state != StateOpen || m.sock == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sock, gen := m.sock, m.gen
	m.sendMu.Lock()
	m.mu.Unlock()

	err = sock.Write(data)
	m.sendMu.Unlock()
	if err != nil {
		m.socketFailed(gen, err)
		return fmt.Errorf("write %s: %w", frameType, err)
	}
	return nil
}

func (m *Manager) sendHeartbeat() error {
	return m.writeControl(FrameHeartbeat)
}

func (m *Manager) onHeartbeatTimeout() {
	m.mu.Lock()
	// A timeout racing a reconnect belongs to the previous socket.
	if m.m.state != StateOpen || m.clock.Now().Sub(m.heartbeat.LastAck()) <= m.cfg.HeartbeatTimeout {
		m.mu.Unlock()
		return
	}
	m.observer.HeartbeatTimeout()
	after := m.fire(event{kind: evClosed, code: CloseHeartbeatTimeout, reason: ErrHeartbeatTimeout.Error()})
	m.mu.Unlock()
	runAll(after)
}

func (m *Manager) currentStateMessage() router.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.Message()
}

// fire applies ev to the state machine and performs its effects. It must be
// called with mu held. The returned functions must be run, in order, after
// mu is released.
func (m *Manager) fire(ev event) []func() {
	prev := m.m
	next, effects := m.m.step(ev)
	m.m = next

	var after []func()
	var retryIn time.Duration

	for _, e := range effects {
		switch e.kind {
		case effDial:
			m.startDialLocked()

		case effFlush:
			if f := m.flushLocked(); f != nil {
				after = append(after, f)
			}

		case effStartHeartbeat:
			m.heartbeat.Start()

		case effStopHeartbeat:
			m.heartbeat.Stop()

		case effScheduleRetry:
			retryIn = m.m.policy.withJitter(e.delay, m.rnd)
			m.retrySeq++
			seq := m.retrySeq
			m.retryTimer = m.clock.AfterFunc(retryIn, func() { m.onRetryDue(seq) })

		case effCancelRetry:
			if m.retryTimer != nil {
				m.retryTimer.Stop()
				m.retryTimer = nil
			}
			m.retrySeq++

		case effCloseSocket:
			sock := m.sock
			m.sock = nil
			m.gen++
			if m.dialCancel != nil {
				m.dialCancel()
				m.dialCancel = nil
			}
			if sock != nil {
				code, reason := e.code, e.reason
				after = append(after, func() {
					if err := sock.Close(code, reason); err != nil {
						m.logger.Debug("socket close error", "error", err)
					}
				})
			}

		case effNotify:
			m.notifyLocked(prev, ev, retryIn)
		}
	}

	return append(after, m.registry.Run)
}

func (m *Manager) notifyLocked(prev machine, ev event, retryIn time.Duration) {
	change := StateChange{
		Session: m.id,
		From:    prev.state,
		To:      m.m.state,
		Attempt: m.m.attempt,
		RetryIn: retryIn,
		Reason:  ev.reason,
		At:      m.clock.Now(),
	}
	switch ev.kind {
	case evClosed, evShutdown:
		change.Code = ev.code
		if ev.kind == evShutdown && change.Code == 0 {
			change.Code = CloseNormal
		}
	case evFailed:
		change.Code = CloseAbnormal
	}
	if ev.err != nil {
		change.Err = ev.err.Error()
	}
	m.last = change

	m.logger.Info("connection state changed",
		"from", change.From,
		"to", change.To,
		"attempt", change.Attempt,
		"retry_in", change.RetryIn,
		"code", change.Code,
	)

	m.observer.StateChanged(change)
	m.registry.Post(change.Message())

	if change.To == StateOpen {
		m.armHealthLocked()
	} else if m.healthTimer != nil {
		m.healthTimer.Stop()
		m.healthTimer = nil
	}

	var result error
	switch change.To {
	case StateOpen:
	case StateFailed:
		result = ErrExhaustedRetries
	case StateClosed:
		result = ErrClosed
	default:
		return
	}
	for _, w := range m.waiters {
		w <- result
	}
	m.waiters = nil
}

// startDialLocked dials unless a dial is already outstanding. An outstanding
// dial always belongs to a retired generation here, so the new dial is
// started when it returns.
func (m *Manager) startDialLocked() {
	if m.dialing {
		m.redial = true
		return
	}
	m.dialing = true
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	go m.dial(ctx, cancel, gen)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	m.logger.Debug("dialing", "url", m.cfg.URL, "generation", gen)
	sock, err := m.dialer.Dial(ctx, m.cfg.URL)

	m.mu.Lock()
	m.dialing = false
	if gen != m.gen {
		if m.redial && m.m.state == StateConnecting {
			m.startDialLocked()
		}
		m.redial = false
		m.mu.Unlock()
		if sock != nil {
			sock.Close(CloseNormal, "superseded")
		}
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn("dial failed", "error", err)
		after := m.fire(event{kind: evFailed, err: err, reason: "dial failed"})
		m.mu.Unlock()
		runAll(after)
		return
	}

	m.sock = sock
	after := m.fire(event{kind: evOpened})
	m.mu.Unlock()

	sock.Listen(SocketHandler{
		OnMessage: func(data []byte) { m.handleFrame(gen, data) },
		OnClose:   func(code int, reason string) { m.socketClosed(gen, code, reason) },
		OnError:   func(err error) { m.socketFailed(gen, err) },
	})
	runAll(after)
}

// flushLocked drains the queue and returns the write-out. sendMu is taken
// here so no other write can get ahead of the flushed frames.
func (m *Manager) flushLocked() func() {
	frames := m.queue.Drain()
	m.observer.QueueDepth(m.queue.Len())
	if len(frames) == 0 {
		return nil
	}
	sock, gen := m.sock, m.gen
	m.sendMu.Lock()
	return func() { m.flush(sock, gen, frames) }
}

func (m *Manager) flush(sock Socket, gen uint64, frames [][]byte) {
	for i, data := range frames {
		if err := sock.Write(data); err != nil {
			m.sendMu.Unlock()
			m.logger.Warn("flush interrupted, frames requeued",
				"written", i,
				"requeued", len(frames)-i,
				"error", err,
			)
			m.requeue(gen, frames[i:], true)
			m.socketFailed(gen, err)
			return
		}
	}
	m.sendMu.Unlock()
	m.logger.Debug("flushed outbound queue", "frames", len(frames))
}

func (m *Manager) onRetryDue(seq uint64) {
	m.mu.Lock()
	if seq != m.retrySeq {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	after := m.fire(event{kind: evRetryDue})
	m.mu.Unlock()
	runAll(after)
}

func (m *Manager) armHealthLocked() {
	if m.cfg.HealthCheckInterval <= 0 {
		return
	}
	gen := m.gen
	m.healthTimer = m.clock.AfterFunc(m.cfg.HealthCheckInterval, func() { m.healthCheck(gen) })
}

func (m *Manager) healthCheck(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.m.state != StateOpen || m.sock == nil {
		m.mu.Unlock()
		return
	}
	if m.sock.Alive() {
		m.armHealthLocked()
		m.mu.Unlock()
		return
	}
	m.logger.Warn("health check found dead socket")
	after := m.fire(event{kind: evFailed, err: ErrSocketNotAlive, reason: "health check"})
	m.mu.Unlock()
	runAll(after)
}

func (m *Manager) socketClosed(gen uint64, code int, reason string) {
	defer m.recoverCallback("close")

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Info("socket closed", "code", code, "reason", reason)
	after := m.fire(event{kind: evClosed, code: code, reason: reason})
	m.mu.Unlock()
	runAll(after)
}

func (m *Manager) socketFailed(gen uint64, err error) {
	defer m.recoverCallback("error")

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("socket error", "error", err)
	after := m.fire(event{kind: evFailed, err: err, reason: "socket error"})
	m.mu.Unlock()
	runAll(after)
}

// handleFrame decodes one inbound frame. Control frames are consumed here;
// everything else goes to the registry.
func (m *Manager) handleFrame(gen uint64, data []byte) {
	defer m.recoverCallback("message")

	msg, err := m.registry.Decode(data)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.observer.DecodeFailed()
		m.mu.Unlock()
		m.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
		return
	}
	m.observer.FrameReceived(msg.Type)

	switch msg.Type {
	case FrameHeartbeatAck:
		m.heartbeat.Ack()
		m.mu.Unlock()

	case FrameConnectionStatus:
		m.heartbeat.Ack()
		m.mu.Unlock()
		var status connectionStatusFrame
		if err := msg.Decode(&status); err == nil {
			m.logger.Debug("server handshake", "status", status.Status)
		}

	case FramePing:
		m.mu.Unlock()
		if err := m.writeControl(FramePong); err != nil {
			m.logger.Debug("pong failed", "error", err)
		}

	case router.TypeConnectionState:
		// Reserved for local state changes.
		m.mu.Unlock()
		m.logger.Debug("ignoring inbound connection_state frame")

	default:
		m.registry.Post(msg)
		m.mu.Unlock()
		m.registry.Run()
	}
}

func (m *Manager) recoverCallback(name string) {
	if rec := recover(); rec != nil {
		m.logger.Error("socket callback panicked", "callback", name, "panic", rec)
	}
}

func runAll(fns []func()) {
	for _, f := range fns {
		if f != nil {
			f()
		}
	}
}
