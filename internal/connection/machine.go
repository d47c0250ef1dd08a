package connection

import (
	"math/rand"
	"time"
)

type eventKind int

const (
	evConnect  eventKind = iota // explicit connect
	evOpened                    // socket handshake completed
	evClosed                    // socket closed with a code
	evFailed                    // socket or dial error
	evRetryDue                  // backoff timer fired
	evShutdown                  // deliberate close requested locally
)

func (k eventKind) String() string {
	switch k {
	case evConnect:
		return "connect"
	case evOpened:
		return "opened"
	case evClosed:
		return "closed"
	case evFailed:
		return "failed"
	case evRetryDue:
		return "retry_due"
	case evShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type event struct {
	kind   eventKind
	code   int
	reason string
	err    error
}

type effectKind int

const (
	effDial effectKind = iota
	effFlush
	effStartHeartbeat
	effStopHeartbeat
	effScheduleRetry
	effCancelRetry
	effCloseSocket
	effNotify
)

type effect struct {
	kind   effectKind
	delay  time.Duration // effScheduleRetry
	code   int           // effCloseSocket
	reason string        // effCloseSocket
}

// backoff is the reconnect delay policy.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	jitter      float64
}

func newBackoff(cfg Config) backoff {
	return backoff{
		base:        cfg.ReconnectBaseWait,
		max:         cfg.ReconnectMaxWait,
		maxAttempts: cfg.MaxReconnectAttempts,
		jitter:      cfg.ReconnectJitter,
	}
}

// delay returns min(base * 2^attempt, max), where attempt is the number of
// retries already made.
func (b backoff) delay(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	if d > b.max {
		return b.max
	}
	return d
}

// withJitter adds up to jitter*d and re-applies the cap.
func (b backoff) withJitter(d time.Duration, rnd func() float64) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	d += time.Duration(float64(d) * b.jitter * rnd())
	if d > b.max {
		return b.max
	}
	return d
}

// machine is the connection state machine. step is pure: it never touches the
// socket or timers, it only describes what the caller must do.
type machine struct {
	state   State
	attempt int
	policy  backoff
}

func isDeliberate(code int) bool {
	return code == CloseNormal || code == CloseGoingAway
}

func (m machine) step(ev event) (machine, []effect) {
	switch ev.kind {
	case evConnect:
		switch m.state {
		case StateOpen, StateConnecting:
			return m, nil
		case StateFailed:
			m.attempt = 0
		}
		m.state = StateConnecting
		return m, []effect{{kind: effCancelRetry}, {kind: effDial}, {kind: effNotify}}

	case evOpened:
		if m.state != StateConnecting {
			return m, nil
		}
		m.state = StateOpen
		m.attempt = 0
		return m, []effect{{kind: effFlush}, {kind: effStartHeartbeat}, {kind: effNotify}}

	case evClosed, evFailed:
		if m.state != StateConnecting && m.state != StateOpen {
			return m, nil
		}
		code := ev.code
		if ev.kind == evFailed {
			code = CloseAbnormal
		}
		effects := []effect{
			{kind: effStopHeartbeat},
			{kind: effCloseSocket, code: code, reason: ev.reason},
		}
		switch {
		case ev.kind == evClosed && isDeliberate(ev.code):
			m.state = StateClosed
			effects = append(effects, effect{kind: effCancelRetry})
		case m.attempt < m.policy.maxAttempts:
			delay := m.policy.delay(m.attempt)
			m.attempt++
			m.state = StateReconnecting
			effects = append(effects, effect{kind: effScheduleRetry, delay: delay})
		default:
			m.state = StateFailed
			effects = append(effects, effect{kind: effCancelRetry})
		}
		return m, append(effects, effect{kind: effNotify})

	case evRetryDue:
		if m.state != StateReconnecting {
			return m, nil
		}
		m.state = StateConnecting
		return m, []effect{{kind: effDial}, {kind: effNotify}}

	case evShutdown:
		if m.state == StateClosed {
			return m, nil
		}
		code := ev.code
		if code == 0 {
			code = CloseNormal
		}
		m.state = StateClosed
		return m, []effect{
			{kind: effStopHeartbeat},
			{kind: effCancelRetry},
			{kind: effCloseSocket, code: code, reason: ev.reason},
			{kind: effNotify},
		}
	}
	return m, nil
}
