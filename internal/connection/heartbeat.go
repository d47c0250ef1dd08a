package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/pushsession/internal/clock"
)

// HeartbeatMonitor pings an open socket and reports when acknowledgements
// stop arriving.
//
// Every interval it sends a heartbeat and arms a check checkDelay later. A
// check that finds more than timeout elapsed since the last ack calls
// onTimeout. onTimeout fires at most once per Start.
type HeartbeatMonitor struct {
	clock      clock.Clock
	interval   time.Duration
	checkDelay time.Duration
	timeout    time.Duration
	send       func() error
	onTimeout  func()
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	fired     bool
	epoch     uint64
	lastAck   time.Time
	beatTimer clock.Timer
	checks    map[uint64]clock.Timer
	nextCheck uint64
}

// NewHeartbeatMonitor creates a stopped monitor. send writes one heartbeat
// frame; onTimeout is called without any monitor lock held.
func NewHeartbeatMonitor(cfg Config, clk clock.Clock, send func() error, onTimeout func(), logger *slog.Logger) *HeartbeatMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{
		clock:      clk,
		interval:   cfg.HeartbeatInterval,
		checkDelay: cfg.HeartbeatCheckDelay,
		timeout:    cfg.HeartbeatTimeout,
		send:       send,
		onTimeout:  onTimeout,
		logger:     logger,
		checks:     make(map[uint64]clock.Timer),
	}
}

// Start begins probing. The ack clock starts now. Calling Start on a running
// monitor does nothing.
func (h *HeartbeatMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}
	h.running = true
	h.fired = false
	h.epoch++
	h.lastAck = h.clock.Now()
	h.armBeatLocked(h.epoch)
}

// Stop cancels every pending heartbeat timer.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.running = false
	h.epoch++
	if h.beatTimer != nil {
		h.beatTimer.Stop()
		h.beatTimer = nil
	}
	for id, t := range h.checks {
		t.Stop()
		delete(h.checks, id)
	}
}

// Ack records an inbound acknowledgement.
func (h *HeartbeatMonitor) Ack() {
	h.mu.Lock()
	h.lastAck = h.clock.Now()
	h.mu.Unlock()
}

// LastAck returns the time of the most recent acknowledgement, or of Start.
func (h *HeartbeatMonitor) LastAck() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAck
}

// Running reports whether the monitor has live timers.
func (h *HeartbeatMonitor) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// pending returns the number of armed timers.
func (h *HeartbeatMonitor) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.checks)
	if h.beatTimer != nil {
		n++
	}
	return n
}

func (h *HeartbeatMonitor) armBeatLocked(epoch uint64) {
	h.beatTimer = h.clock.AfterFunc(h.interval, func() { h.beat(epoch) })
}

func (h *HeartbeatMonitor) beat(epoch uint64) {
	h.mu.Lock()
	if !h.running || epoch != h.epoch {
		h.mu.Unlock()
		return
	}
	h.armBeatLocked(epoch)

	id := h.nextCheck
	h.nextCheck++
	h.checks[id] = h.clock.AfterFunc(h.checkDelay, func() { h.check(epoch, id) })
	h.mu.Unlock()

	if err := h.send(); err != nil {
		h.logger.Warn("heartbeat send failed", "error", err)
	}
}

func (h *HeartbeatMonitor) check(epoch, id uint64) {
	h.mu.Lock()
	delete(h.checks, id)
	if !h.running || epoch != h.epoch || h.fired {
		h.mu.Unlock()
		return
	}
	silence := h.clock.Now().Sub(h.lastAck)
	if silence <= h.timeout {
		h.mu.Unlock()
		return
	}
	h.fired = true
	h.mu.Unlock()

	h.logger.Warn("heartbeat timeout", "since_last_ack", silence, "timeout", h.timeout)
	h.onTimeout()
}
