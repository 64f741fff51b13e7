package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Parley/internal/store/memstore"
)

func TestBackoffDelayBounded(t *testing.T) {
	cfg := Config{ReconnectBase: 100 * time.Millisecond, ReconnectCap: time.Second}.withDefaults()
	s := &CallSession{cfg: cfg}

	if got := s.backoffDelay(1); got != cfg.ReconnectBase {
		t.Fatalf("first delay = %s, want base %s", got, cfg.ReconnectBase)
	}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := s.backoffDelay(attempt)
		if d < prev {
			t.Fatalf("delay regressed at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > cfg.ReconnectCap {
			t.Fatalf("delay exceeds cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
	if s.backoffDelay(20) != cfg.ReconnectCap {
		t.Fatal("delay must saturate at the cap")
	}
}

func TestPolicyEscalatesOnConsecutiveErrors(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	cfg := testConfig()
	cfg.ReconnectBase = 200 * time.Millisecond
	cfg.ReconnectCap = 400 * time.Millisecond
	cfg.FailedReconnectDelay = 200 * time.Millisecond
	h := newHarness(t, st, "alice", "Alice", cfg)
	h.join(t)

	h.inspect(t, func(s *CallSession) { s.onTransportFailed() })
	h.inspect(t, func(s *CallSession) {
		if s.policy.RelayOnly {
			t.Error("relay-only escalation fired after a single error")
		}
	})

	h.inspect(t, func(s *CallSession) { s.onTransportFailed() })
	h.inspect(t, func(s *CallSession) {
		if !s.policy.RelayOnly {
			t.Error("relay-only escalation missing after two consecutive errors")
		}
		if s.policy.FallbackTURN {
			t.Error("fallback relay escalated too early")
		}
	})

	h.inspect(t, func(s *CallSession) { s.onTransportFailed() })
	h.inspect(t, func(s *CallSession) {
		if !s.policy.FallbackTURN {
			t.Error("fallback relay escalation missing after three consecutive errors")
		}
	})
}

func TestConnectedResetsFailureCounters(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	cfg := testConfig()
	cfg.ReconnectBase = 200 * time.Millisecond
	cfg.ReconnectCap = 400 * time.Millisecond
	cfg.FailedReconnectDelay = 200 * time.Millisecond
	h := newHarness(t, st, "alice", "Alice", cfg)
	h.join(t)

	h.inspect(t, func(s *CallSession) { s.onTransportFailed() })
	h.inspect(t, func(s *CallSession) { s.onConnectionState(webrtc.PeerConnectionStateConnected) })
	h.inspect(t, func(s *CallSession) {
		if s.reconnects != 0 || s.errorStreak != 0 {
			t.Errorf("counters not reset: reconnects=%d streak=%d", s.reconnects, s.errorStreak)
		}
		if s.reconnectTimer.Armed() {
			t.Error("pending reconnect survived a successful connection")
		}
	})
	if got := h.sess.Snapshot().State; got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	h := newHarness(t, st, "alice", "Alice", cfg)
	h.join(t)

	// Every rebuild after the first transport fails, so each reconnect
	// attempt burns out until the terminal state.
	h.factory.mu.Lock()
	h.factory.failAfter = 1
	h.factory.mu.Unlock()

	h.inspect(t, func(s *CallSession) { s.onTransportFailed() })

	waitFor(t, "terminal failure state", func() bool {
		return h.sess.Snapshot().State == StateFailed
	})
	if st := h.sess.Snapshot(); !errors.Is(st.Err, ErrReconnectExhausted) {
		t.Fatalf("terminal status error = %v, want ErrReconnectExhausted", st.Err)
	}
}

func TestFailedTransportReconnectsOnShortFuse(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	cfg := testConfig()
	cfg.FailedReconnectDelay = time.Millisecond
	cfg.ReconnectBase = 10 * time.Second
	cfg.ReconnectCap = 20 * time.Second
	h := newHarness(t, st, "alice", "Alice", cfg)
	h.join(t)

	h.inspect(t, func(s *CallSession) { s.onTransportFailed() })

	// The first failed-state reconnect runs on the short fuse; the
	// multi-second backoff would blow well past this wait.
	waitFor(t, "short-fuse rejoin", func() bool {
		var n int
		h.inspect(t, func(s *CallSession) { n = s.reconnects })
		return n >= 1 && h.sess.Snapshot().State == StateWaiting
	})
}

func TestHealthCheckForcesRestart(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	h := newHarness(t, st, "alice", "Alice", testConfig())
	h.join(t)
	peerAnswer(t, st, 1, "bob")
	waitFor(t, "answer applied", func() bool {
		return h.sess.Snapshot().State == StateConnecting
	})

	// Connected at the API level but no active candidate pair in the
	// statistics: the health check must force an ICE restart.
	h.factory.last().setConnected(false)

	waitFor(t, "restart offer with ICE restart", func() bool {
		doc, err := st.GetSession(ctx, testRoom)
		return err == nil && doc.Offer.Revision >= 2 && h.factory.last().sawRestart()
	})
}

func TestDisconnectedGraceFallsBackToReconnect(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	cfg := testConfig()
	cfg.DisconnectedGrace = 20 * time.Millisecond
	h := newHarness(t, st, "alice", "Alice", cfg)
	h.join(t)

	h.inspect(t, func(s *CallSession) { s.onConnectionState(webrtc.PeerConnectionStateDisconnected) })
	if got := h.sess.Snapshot().State; got != StateReconnecting {
		t.Fatalf("state = %s, want %s", got, StateReconnecting)
	}

	// The grace fuse expires without recovery and a full reconnect runs:
	// fresh transport, fresh join, same document semantics.
	waitFor(t, "full reconnect to rejoin", func() bool {
		var n int
		h.inspect(t, func(s *CallSession) { n = s.reconnects })
		return n >= 1 && h.sess.Snapshot().State == StateWaiting
	})
	h.factory.mu.Lock()
	builds := len(h.factory.transports)
	h.factory.mu.Unlock()
	if builds < 2 {
		t.Fatalf("reconnect did not rebuild the transport: %d builds", builds)
	}
}
