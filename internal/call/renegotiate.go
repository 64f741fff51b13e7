package call

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/domain"
)

// requestNegotiation enqueues a trigger and arms the debounce window. Many
// triggers inside the window collapse into one cycle.
func (s *CallSession) requestNegotiation(r Reason) {
	if s.left {
		return
	}
	s.pushReason(r)

	if r.RequireOfferer && !s.isOfferer {
		if !s.negotiating && !s.signalingBusy() {
			// Idle non-offerer with an offerer-only trigger: take the
			// role now instead of a round-trip through the peer.
			if err := s.promote(context.Background(), "local trigger requires offerer"); err != nil {
				s.diag.Add("promotion for %s failed: %v", r.Tag, err)
				log.Warn().Err(err).Str("module", "call.scheduler").Str("reason", r.Tag).Msg("promotion failed")
			}
			return
		}
		s.needsPromotion = true
	}
	s.negotiateTimer.Arm(s.cfg.NegotiationDebounce, s.onNegotiateTimer)
}

// onNegotiateTimer fires on the loop after the debounce window. If the
// transport is mid-exchange the cycle is deferred to the next stable
// signaling state.
func (s *CallSession) onNegotiateTimer() {
	if s.left || len(s.pendingReasons) == 0 {
		return
	}
	if s.negotiating || s.signalingBusy() {
		s.awaitingStable = true
		return
	}
	if !s.isOfferer {
		if s.needsPromotion {
			// The offerer-only trigger could not promote while busy; the
			// transport has idled since, so take the role now.
			s.needsPromotion = false
			if err := s.promote(context.Background(), "deferred promotion"); err != nil {
				s.diag.Add("deferred promotion failed: %v", err)
				log.Warn().Err(err).Str("module", "call.scheduler").Msg("deferred promotion failed")
			}
			return
		}
		// Only the offerer may replace the document's offer; delegate by
		// writing a renegotiation request onto our own presence record.
		s.askOfferer()
		return
	}
	if err := s.publishOffer(context.Background()); err != nil {
		s.diag.Add("negotiation cycle failed: %v", err)
		log.Warn().Err(err).Str("module", "call.scheduler").Msg("negotiation cycle failed")
	}
}

func (s *CallSession) signalingBusy() bool {
	return s.transport != nil && s.transport.SignalingState() != webrtc.SignalingStateStable
}

// onSignalingState retries a deferred cycle as soon as signaling idles.
func (s *CallSession) onSignalingState(st webrtc.SignalingState) {
	if st != webrtc.SignalingStateStable {
		return
	}
	if s.awaitingStable {
		s.awaitingStable = false
		s.onNegotiateTimer()
	}
}

// askOfferer delegates the queued reasons to the current offerer through
// the presence record's out-of-band request field.
func (s *CallSession) askOfferer() {
	tags, ice := s.takeReasons()
	reason := strings.Join(tags, ",")
	if ice {
		reason = "recovery," + reason
	}
	req := &domain.RenegRequest{
		ID:          uuid.NewString(),
		Reason:      reason,
		RequestedAt: time.Now(),
	}
	err := s.store.UpdatePresence(context.Background(), s.room, s.user.ID, func(p *domain.Presence) {
		p.Reneg = req
	})
	if err != nil {
		s.diag.Add("renegotiation request write failed: %v", err)
		log.Warn().Err(err).Str("module", "call.scheduler").Msg("renegotiation request write failed")
		return
	}
	log.Info().Str("module", "call.scheduler").Str("room", string(s.room)).Str("reason", reason).Msg("asked offerer to renegotiate")
}

// onPeerRenegRequest is the offerer-side handler for a peer's request.
// Each request id is acted on once.
func (s *CallSession) onPeerRenegRequest(uid domain.UserID, req *domain.RenegRequest) {
	if !s.isOfferer || req == nil || uid == s.user.ID {
		return
	}
	if s.handledReqs[uid] == req.ID {
		return
	}
	s.handledReqs[uid] = req.ID
	r := Reason{Tag: ReasonPeerRequested.Tag + ":" + req.Reason}
	if strings.Contains(req.Reason, "recovery") {
		r.ICERestart = true
	}
	log.Info().Str("module", "call.scheduler").Str("room", string(s.room)).Str("from", string(uid)).Str("reason", req.Reason).Msg("peer requested renegotiation")
	s.requestNegotiation(r)
}
