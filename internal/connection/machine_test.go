package connection

import (
	"errors"
	"testing"
	"time"
)

func newTestMachine() machine {
	return machine{state: StateIdle, policy: newBackoff(DefaultConfig())}
}

func hasEffect(effects []effect, kind effectKind) (effect, bool) {
	for _, e := range effects {
		if e.kind == kind {
			return e, true
		}
	}
	return effect{}, false
}

func TestBackoff_Delays(t *testing.T) {
	b := newBackoff(DefaultConfig())

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, w := range want {
		if got := b.delay(attempt); got != w {
			t.Errorf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestBackoff_JitterRespectsCap(t *testing.T) {
	b := newBackoff(DefaultConfig())
	b.jitter = 0.5

	if got := b.withJitter(4*time.Second, func() float64 { return 1 }); got != 6*time.Second {
		t.Errorf("withJitter(4s) = %v, want 6s", got)
	}
	if got := b.withJitter(30*time.Second, func() float64 { return 1 }); got != 30*time.Second {
		t.Errorf("withJitter(30s) = %v, want cap 30s", got)
	}

	b.jitter = 0
	if got := b.withJitter(4*time.Second, func() float64 { return 1 }); got != 4*time.Second {
		t.Errorf("withJitter with no jitter = %v, want 4s", got)
	}
}

func TestMachine_ConnectIsIdempotent(t *testing.T) {
	m := newTestMachine()

	m, effects := m.step(event{kind: evConnect})
	if m.state != StateConnecting {
		t.Fatalf("state = %v, want connecting", m.state)
	}
	if _, ok := hasEffect(effects, effDial); !ok {
		t.Fatal("first connect did not dial")
	}

	m, effects = m.step(event{kind: evConnect})
	if len(effects) != 0 {
		t.Errorf("connect while connecting produced effects %v", effects)
	}

	m, _ = m.step(event{kind: evOpened})
	_, effects = m.step(event{kind: evConnect})
	if len(effects) != 0 {
		t.Errorf("connect while open produced effects %v", effects)
	}
}

func TestMachine_OpenResetsAttemptAndFlushes(t *testing.T) {
	m := newTestMachine()
	m, _ = m.step(event{kind: evConnect})
	m, _ = m.step(event{kind: evClosed, code: CloseAbnormal})
	m, _ = m.step(event{kind: evRetryDue})
	if m.attempt != 1 {
		t.Fatalf("attempt = %d, want 1", m.attempt)
	}

	m, effects := m.step(event{kind: evOpened})
	if m.state != StateOpen {
		t.Fatalf("state = %v, want open", m.state)
	}
	if m.attempt != 0 {
		t.Errorf("attempt = %d, want 0", m.attempt)
	}

	var kinds []effectKind
	for _, e := range effects {
		kinds = append(kinds, e.kind)
	}
	want := []effectKind{effFlush, effStartHeartbeat, effNotify}
	if len(kinds) != len(want) {
		t.Fatalf("effects = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("effects[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

// Open, close 1006 -> Reconnecting with a 1s retry, then Connecting.
func TestMachine_AbnormalCloseSchedulesRetry(t *testing.T) {
	m := newTestMachine()
	m, _ = m.step(event{kind: evConnect})
	m, _ = m.step(event{kind: evOpened})

	m, effects := m.step(event{kind: evClosed, code: CloseAbnormal})
	if m.state != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", m.state)
	}
	if m.attempt != 1 {
		t.Errorf("attempt = %d, want 1", m.attempt)
	}
	retry, ok := hasEffect(effects, effScheduleRetry)
	if !ok {
		t.Fatal("no retry scheduled")
	}
	if retry.delay != time.Second {
		t.Errorf("retry delay = %v, want 1s", retry.delay)
	}
	if _, ok := hasEffect(effects, effStopHeartbeat); !ok {
		t.Error("heartbeat not stopped on close")
	}

	m, effects = m.step(event{kind: evRetryDue})
	if m.state != StateConnecting {
		t.Fatalf("state = %v, want connecting", m.state)
	}
	if _, ok := hasEffect(effects, effDial); !ok {
		t.Error("retry did not dial")
	}
}

func TestMachine_DeliberateCloseDoesNotReconnect(t *testing.T) {
	for _, code := range []int{CloseNormal, CloseGoingAway} {
		m := newTestMachine()
		m, _ = m.step(event{kind: evConnect})
		m, _ = m.step(event{kind: evOpened})

		m, effects := m.step(event{kind: evClosed, code: code})
		if m.state != StateClosed {
			t.Errorf("code %d: state = %v, want closed", code, m.state)
		}
		if _, ok := hasEffect(effects, effScheduleRetry); ok {
			t.Errorf("code %d: retry scheduled", code)
		}
		if _, ok := hasEffect(effects, effCancelRetry); !ok {
			t.Errorf("code %d: pending retry not cancelled", code)
		}
	}
}

func TestMachine_ExhaustionFailsAfterMaxAttempts(t *testing.T) {
	m := newTestMachine()
	m, _ = m.step(event{kind: evConnect})

	var delays []time.Duration
	for i := 0; i < 6; i++ {
		var effects []effect
		m, effects = m.step(event{kind: evClosed, code: CloseAbnormal})
		if retry, ok := hasEffect(effects, effScheduleRetry); ok {
			delays = append(delays, retry.delay)
			m, _ = m.step(event{kind: evRetryDue})
		}
	}

	if m.state != StateFailed {
		t.Fatalf("state = %v, want failed", m.state)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}

	// A further close in Failed is ignored.
	m2, effects := m.step(event{kind: evClosed, code: CloseAbnormal})
	if m2 != m || len(effects) != 0 {
		t.Errorf("close in failed changed machine: %+v effects=%v", m2, effects)
	}
}

func TestMachine_ConnectFromFailedResetsAttempt(t *testing.T) {
	m := newTestMachine()
	m.state = StateFailed
	m.attempt = 5

	m, effects := m.step(event{kind: evConnect})
	if m.state != StateConnecting {
		t.Fatalf("state = %v, want connecting", m.state)
	}
	if m.attempt != 0 {
		t.Errorf("attempt = %d, want 0", m.attempt)
	}
	if _, ok := hasEffect(effects, effDial); !ok {
		t.Error("connect from failed did not dial")
	}
}

func TestMachine_ErrorEventUsesRetryPath(t *testing.T) {
	m := newTestMachine()
	m, _ = m.step(event{kind: evConnect})

	m, effects := m.step(event{kind: evFailed, err: errors.New("dial refused")})
	if m.state != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", m.state)
	}
	cs, ok := hasEffect(effects, effCloseSocket)
	if !ok {
		t.Fatal("socket not closed on error")
	}
	if cs.code != CloseAbnormal {
		t.Errorf("close code = %d, want %d", cs.code, CloseAbnormal)
	}
}

func TestMachine_StaleEventsIgnored(t *testing.T) {
	tests := []struct {
		name  string
		state State
		ev    event
	}{
		{"opened while reconnecting", StateReconnecting, event{kind: evOpened}},
		{"closed while reconnecting", StateReconnecting, event{kind: evClosed, code: CloseAbnormal}},
		{"closed while closed", StateClosed, event{kind: evClosed, code: CloseAbnormal}},
		{"retry due while open", StateOpen, event{kind: evRetryDue}},
		{"retry due while closed", StateClosed, event{kind: evRetryDue}},
		{"shutdown while closed", StateClosed, event{kind: evShutdown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine()
			m.state = tt.state
			next, effects := m.step(tt.ev)
			if next != m {
				t.Errorf("machine changed: %+v -> %+v", m, next)
			}
			if len(effects) != 0 {
				t.Errorf("effects = %v, want none", effects)
			}
		})
	}
}

func TestMachine_ShutdownCancelsEverything(t *testing.T) {
	m := newTestMachine()
	m, _ = m.step(event{kind: evConnect})
	m, _ = m.step(event{kind: evClosed, code: CloseAbnormal})

	m, effects := m.step(event{kind: evShutdown, code: CloseNormal, reason: "no active consumers"})
	if m.state != StateClosed {
		t.Fatalf("state = %v, want closed", m.state)
	}
	for _, kind := range []effectKind{effStopHeartbeat, effCancelRetry, effCloseSocket, effNotify} {
		if _, ok := hasEffect(effects, kind); !ok {
			t.Errorf("missing effect %v", kind)
		}
	}
	cs, _ := hasEffect(effects, effCloseSocket)
	if cs.reason != "no active consumers" {
		t.Errorf("close reason = %q", cs.reason)
	}
}
