package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/pushsession/internal/router"
)

// fakeSocket records writes and lets tests drive socket callbacks.
type fakeSocket struct {
	mu          sync.Mutex
	h           SocketHandler
	written     [][]byte
	closed      bool
	closeCode   int
	closeReason string
	alive       bool
	failWriteAt int // 1-based write index that fails, 0 never
	writes      int
	autoAck     bool
	// hold, when set, parks every Write until it is closed; the write then
	// fails. entered receives once per parked write.
	hold    chan struct{}
	entered chan struct{}
}

func (s *fakeSocket) Listen(h SocketHandler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *fakeSocket) Write(data []byte) error {
	s.mu.Lock()
	if hold := s.hold; hold != nil {
		entered := s.entered
		s.mu.Unlock()
		if entered != nil {
			entered <- struct{}{}
		}
		<-hold
		return errors.New("connection reset")
	}
	s.writes++
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.failWriteAt > 0 && s.writes >= s.failWriteAt {
		s.alive = false
		s.mu.Unlock()
		return errors.New("broken pipe")
	}
	s.written = append(s.written, append([]byte(nil), data...))
	autoAck := s.autoAck
	h := s.h
	s.mu.Unlock()

	if autoAck && frameType(data) == FrameHeartbeat && h.OnMessage != nil {
		h.OnMessage([]byte(`{"type":"heartbeat_response"}`))
	}
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
	}
	s.alive = false
	return nil
}

func (s *fakeSocket) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *fakeSocket) handler() SocketHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// deliver simulates an inbound frame.
func (s *fakeSocket) deliver(data string) {
	s.handler().OnMessage([]byte(data))
}

// serverClose simulates the peer closing the connection.
func (s *fakeSocket) serverClose(code int, reason string) {
	s.mu.Lock()
	s.alive = false
	s.mu.Unlock()
	s.handler().OnClose(code, reason)
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.written))
	for _, w := range s.written {
		out = append(out, string(w))
	}
	return out
}

// framesOfType returns written frames whose type tag is t.
func (s *fakeSocket) framesOfType(t string) []string {
	var out []string
	for _, f := range s.frames() {
		if frameType([]byte(f)) == t {
			out = append(out, f)
		}
	}
	return out
}

// appFrames returns written frames that the manager did not originate.
func (s *fakeSocket) appFrames() []string {
	var out []string
	for _, f := range s.frames() {
		switch frameType([]byte(f)) {
		case FrameHeartbeat, FramePong:
			continue
		}
		out = append(out, f)
	}
	return out
}

func frameType(data []byte) string {
	var f controlFrame
	json.Unmarshal(data, &f)
	return f.Type
}

// fakeDialer hands out fakeSockets. Dials block on gate when it is set.
type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	errs      []error // consumed one per dial; nil entries succeed
	failAll   error
	sockets   []*fakeSocket
	gate      chan struct{}
	ignoreCtx bool
	prepare   func(n int, s *fakeSocket)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	} else if d.failAll != nil {
		err = d.failAll
	}
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		if d.ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeSocket{alive: true}
	if d.prepare != nil {
		d.prepare(n, s)
	}
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.sockets)
	}
	if i < 0 || i >= len(d.sockets) {
		return nil
	}
	return d.sockets[i]
}

func (d *fakeDialer) liveSockets() int {
	d.mu.Lock()
	socks := append([]*fakeSocket(nil), d.sockets...)
	d.mu.Unlock()

	live := 0
	for _, s := range socks {
		if !s.isClosed() {
			live++
		}
	}
	return live
}

// stateRecorder collects connection_state notifications.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) handle(msg router.Message) {
	c, err := DecodeStateChange(msg)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func (r *stateRecorder) count(s State) int {
	n := 0
	for _, got := range r.states() {
		if got == s {
			n++
		}
	}
	return n
}

// countingObserver counts observer callbacks.
type countingObserver struct {
	mu       sync.Mutex
	changes  int
	frames   map[string]int
	decode   int
	depth    int
	timeouts int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{frames: make(map[string]int)}
}

func (o *countingObserver) StateChanged(StateChange) {
	o.mu.Lock()
	o.changes++
	o.mu.Unlock()
}

func (o *countingObserver) FrameReceived(t string) {
	o.mu.Lock()
	o.frames[t]++
	o.mu.Unlock()
}

func (o *countingObserver) DecodeFailed() {
	o.mu.Lock()
	o.decode++
	o.mu.Unlock()
}

func (o *countingObserver) QueueDepth(n int) {
	o.mu.Lock()
	o.depth = n
	o.mu.Unlock()
}

func (o *countingObserver) HeartbeatTimeout() {
	o.mu.Lock()
	o.timeouts++
	o.mu.Unlock()
}

type observerCounts struct {
	changes  int
	frames   map[string]int
	decode   int
	depth    int
	timeouts int
}

func (o *countingObserver) snapshot() observerCounts {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := make(map[string]int, len(o.frames))
	for k, v := range o.frames {
		frames[k] = v
	}
	return observerCounts{changes: o.changes, frames: frames, decode: o.decode, depth: o.depth, timeouts: o.timeouts}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return m.State() == want })
}
