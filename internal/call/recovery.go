package call

import (
	"context"
	"math"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func (s *CallSession) onConnectionState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.onConnected()
	case webrtc.PeerConnectionStateDisconnected:
		s.onDisconnected()
	case webrtc.PeerConnectionStateFailed:
		s.onTransportFailed()
	}
}

func (s *CallSession) onICEConnectionState(st webrtc.ICEConnectionState) {
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.onConnected()
	case webrtc.ICEConnectionStateDisconnected:
		s.onDisconnected()
	case webrtc.ICEConnectionStateFailed:
		s.onTransportFailed()
	}
}

// onConnected cancels every pending recovery measure and resets the
// failure counters.
func (s *CallSession) onConnected() {
	if s.left {
		return
	}
	s.lastConnected = time.Now()
	s.errorStreak = 0
	s.healthMisses = 0
	s.reconnects = 0
	s.reconnectTimer.Cancel()
	s.graceTimer.Cancel()
	s.setState(StateConnected)
	log.Info().Str("module", "call.recovery").Str("room", string(s.room)).Msg("transport connected")
}

// onDisconnected is the noisy transient: request a debounced restart and
// arm the fallback full-reconnect fuse in case the restart never lands.
func (s *CallSession) onDisconnected() {
	if s.left {
		return
	}
	s.setState(StateReconnecting)
	s.scheduleRestart()
	s.graceTimer.Arm(s.cfg.DisconnectedGrace, func() {
		s.scheduleReconnect("disconnected grace expired")
	})
}

// onTransportFailed always escalates: count the error signal, evaluate
// policy escalation and schedule a forced full reconnect.
func (s *CallSession) onTransportFailed() {
	if s.left {
		return
	}
	s.errorStreak++
	if s.errorStreak >= s.cfg.RelayOnlyAfterErrors && !s.policy.RelayOnly {
		s.policy.RelayOnly = true
		s.diag.Add("escalating to relay-only after %d consecutive errors", s.errorStreak)
		log.Warn().Str("module", "call.recovery").Int("streak", s.errorStreak).Msg("escalating to relay-only policy")
	}
	if s.errorStreak >= s.cfg.FallbackTURNAfterErrors && !s.policy.FallbackTURN {
		s.policy.FallbackTURN = true
		s.diag.Add("activating fallback relay after %d consecutive errors", s.errorStreak)
		log.Warn().Str("module", "call.recovery").Int("streak", s.errorStreak).Msg("activating fallback relay server")
	}
	s.setState(StateReconnecting)
	if s.reconnects == 0 {
		// First failure takes the short fuse; later ones back off.
		s.scheduleReconnectIn(s.cfg.FailedReconnectDelay, "transport failed")
		return
	}
	s.scheduleReconnect("transport failed")
}

// transportConnected re-derives liveness from the transport itself, so a
// renegotiation on a live call does not strand the status in an
// intermediate state.
func (s *CallSession) transportConnected() bool {
	return s.transport != nil && s.transport.ConnectionState() == webrtc.PeerConnectionStateConnected
}

// scheduleRestart debounces a connectivity restart. Skipped entirely right
// after a successful connection so a flap cannot start a restart storm,
// and spaced at least RestartMinSpacing apart.
func (s *CallSession) scheduleRestart() {
	now := time.Now()
	if !s.lastConnected.IsZero() && now.Sub(s.lastConnected) < s.cfg.ConnectedCooldown {
		s.diag.Add("restart skipped inside connected cooldown")
		return
	}
	delay := s.cfg.NegotiationDebounce
	if since := now.Sub(s.lastRestart); !s.lastRestart.IsZero() && since < s.cfg.RestartMinSpacing {
		if remaining := s.cfg.RestartMinSpacing - since; remaining > delay {
			delay = remaining
		}
	}
	s.restartTimer.Arm(delay, s.doRestart)
}

func (s *CallSession) doRestart() {
	if s.left {
		return
	}
	s.lastRestart = time.Now()
	log.Info().Str("module", "call.recovery").Str("room", string(s.room)).Msg("requesting connectivity restart")
	s.requestNegotiation(ReasonRecovery)
}

// healthCheck inspects transport statistics on a fixed cadence while
// connected. Repeated absence of an active candidate pair forces a
// debounced restart even without a state-change event.
func (s *CallSession) healthCheck() {
	if s.left || s.transport == nil {
		return
	}
	if s.transport.ConnectionState() == webrtc.PeerConnectionStateConnected {
		if s.transport.Stats().ActivePair {
			s.healthMisses = 0
		} else {
			s.healthMisses++
			if s.healthMisses >= s.cfg.HealthStrikes {
				s.healthMisses = 0
				s.diag.Add("health check: no active candidate pair, restarting")
				s.scheduleRestart()
			}
		}
	}
	s.healthTimer.Arm(s.cfg.HealthInterval, s.healthCheck)
}

// backoffDelay computes base × min(1.5^attempt, cap/base), capped.
func (s *CallSession) backoffDelay(attempt int) time.Duration {
	factor := math.Pow(1.5, float64(attempt-1))
	if max := float64(s.cfg.ReconnectCap) / float64(s.cfg.ReconnectBase); factor > max {
		factor = max
	}
	d := time.Duration(float64(s.cfg.ReconnectBase) * factor)
	if d > s.cfg.ReconnectCap {
		d = s.cfg.ReconnectCap
	}
	return d
}

// scheduleReconnect arms the exponential-backoff full reconnect. A
// connected transition before the timer fires cancels it and resets the
// counter.
func (s *CallSession) scheduleReconnect(why string) {
	s.scheduleReconnectIn(0, why)
}

// scheduleReconnectIn is scheduleReconnect with a fixed delay replacing
// the backoff when one is given.
func (s *CallSession) scheduleReconnectIn(delay time.Duration, why string) {
	if s.left {
		return
	}
	s.reconnects++
	if s.reconnects > s.cfg.MaxReconnectAttempts {
		s.diag.Add("reconnect attempts exhausted (%d), giving up", s.cfg.MaxReconnectAttempts)
		log.Error().Str("module", "call.recovery").Str("room", string(s.room)).Int("attempts", s.cfg.MaxReconnectAttempts).Msg("reconnect attempts exhausted")
		s.lastErr = ErrReconnectExhausted
		s.setState(StateFailed)
		return
	}
	if delay <= 0 {
		delay = s.backoffDelay(s.reconnects)
	}
	s.diag.Add("full reconnect in %s (attempt %d): %s", delay, s.reconnects, why)
	log.Info().Str("module", "call.recovery").Str("room", string(s.room)).Dur("delay", delay).Int("attempt", s.reconnects).Str("why", why).Msg("scheduling full reconnect")
	s.setState(StateReconnecting)
	s.reconnectTimer.Arm(delay, func() { s.doReconnect(why) })
}

// doReconnect tears the local side down and rejoins from scratch. The
// shared session document survives unless failures have repeated enough
// to warrant a clean slate. The user's media intent is preserved and
// re-applied by the rejoin.
func (s *CallSession) doReconnect(why string) {
	if s.left {
		return
	}
	ctx := context.Background()
	log.Info().Str("module", "call.recovery").Str("room", string(s.room)).Int("attempt", s.reconnects).Str("why", why).Msg("full reconnect")

	s.stopWatches()
	s.dropTransport()
	s.negotiateTimer.Cancel()
	s.presenceTimer.Cancel()
	if err := s.removePresence(ctx); err != nil {
		s.diag.Add("presence teardown during reconnect: %v", err)
	}

	if s.reconnects >= s.cfg.DeleteDocAfterFailures {
		s.diag.Add("repeated failures, deleting session document for a clean renegotiation")
		if err := s.resetDocument(ctx); err != nil {
			s.diag.Add("document reset failed: %v", err)
		}
	}

	s.isOfferer = false
	s.lastOfferRev = 0
	s.lastAnswerRev = 0
	s.negotiating = false
	s.awaitingStable = false
	s.needsPromotion = false
	s.pendingReasons = s.pendingReasons[:0]

	if err := s.join(ctx); err != nil {
		s.diag.Add("rejoin failed: %v", err)
		log.Warn().Err(err).Str("module", "call.recovery").Msg("rejoin failed")
		s.scheduleReconnect("rejoin failed")
		return
	}
}
