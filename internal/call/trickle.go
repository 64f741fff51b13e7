package call

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

// retargetCandidates points the bus at a new active revision: the stale
// watch and all dedup/queue state are dropped, and the peer role's
// sequence under rev is subscribed (existing entries replay first, so a
// late joiner misses nothing).
func (s *CallSession) retargetCandidates(ctx context.Context, rev int64) {
	s.stopCandidateWatch()
	s.resetCandidateState()
	cancel, err := s.store.WatchCandidates(ctx, s.room, rev, s.role().Other(), func(ev core.CandidateEvent) {
		s.post(func() { s.onRemoteCandidate(ev.Candidate) })
	})
	if err != nil {
		s.diag.Add("candidate watch rev %d: %v", rev, err)
		log.Warn().Err(err).Str("module", "call.trickle").Int64("rev", rev).Msg("candidate watch failed")
		return
	}
	s.cancelCands = cancel
}

func (s *CallSession) resetCandidateState() {
	s.published = make(map[domain.CandidateKey]struct{})
	s.applied = make(map[domain.CandidateKey]struct{})
	s.queuedKeys = make(map[domain.CandidateKey]struct{})
	s.retried = make(map[domain.CandidateKey]struct{})
	s.queued = nil
	s.flushing = false
	s.flushTimer.Cancel()
}

// onLocalCandidate tags a discovered candidate with the active offer
// revision and appends it to our role's sequence. With no active revision
// there is nowhere meaningful to put it, so it is dropped rather than
// buffered indefinitely.
func (s *CallSession) onLocalCandidate(ci webrtc.ICECandidateInit) {
	if s.left {
		return
	}
	if s.lastOfferRev == 0 {
		s.diag.Add("local candidate with no active revision, dropped")
		return
	}
	cand := domain.Candidate{
		Revision:  s.lastOfferRev,
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		cand.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		cand.SDPMLineIndex = *ci.SDPMLineIndex
	}
	key := cand.Key()
	if _, dup := s.published[key]; dup {
		return
	}
	s.published[key] = struct{}{}
	if err := s.store.AddCandidate(context.Background(), s.room, s.role(), cand); err != nil {
		s.diag.Add("publish candidate rev %d: %v", cand.Revision, err)
		log.Warn().Err(err).Str("module", "call.trickle").Msg("publish candidate")
	}
}

// onRemoteCandidate verifies revision and structural uniqueness, then
// applies or queues. Candidates arriving before the remote description
// wait in arrival order.
func (s *CallSession) onRemoteCandidate(c domain.Candidate) {
	if s.left || s.transport == nil {
		return
	}
	if c.Revision != s.lastOfferRev {
		s.diag.Add("stale candidate rev %d (current %d), dropped", c.Revision, s.lastOfferRev)
		return
	}
	key := c.Key()
	if _, done := s.applied[key]; done {
		return
	}
	if _, waiting := s.queuedKeys[key]; waiting {
		return
	}
	if !s.transport.RemoteDescriptionSet() || s.flushing {
		s.enqueueCandidate(c)
		return
	}
	s.applyCandidate(c)
}

func (s *CallSession) enqueueCandidate(c domain.Candidate) {
	s.queuedKeys[c.Key()] = struct{}{}
	s.queued = append(s.queued, c)
}

func (s *CallSession) applyCandidate(c domain.Candidate) {
	key := c.Key()
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	idx := c.SDPMLineIndex
	init.SDPMLineIndex = &idx
	if err := s.transport.AddICECandidate(init); err != nil {
		if _, again := s.retried[key]; !again {
			// One requeue for transient failures; persistent ones are
			// logged and dropped.
			s.retried[key] = struct{}{}
			s.enqueueCandidate(c)
			s.diag.Add("candidate apply failed, requeued once: %v", err)
			return
		}
		s.diag.Add("candidate apply failed twice, dropped: %v", err)
		log.Warn().Err(err).Str("module", "call.trickle").Msg("candidate dropped after retry")
		return
	}
	s.applied[key] = struct{}{}
}

// flushQueuedCandidates drains the pending queue in original arrival
// order once a remote description is in place, spacing items with a small
// delay.
func (s *CallSession) flushQueuedCandidates() {
	if s.flushing || len(s.queued) == 0 {
		return
	}
	s.flushing = true
	s.flushNext()
}

func (s *CallSession) flushNext() {
	if s.left || s.transport == nil {
		s.flushing = false
		return
	}
	if len(s.queued) == 0 {
		s.flushing = false
		return
	}
	c := s.queued[0]
	s.queued = s.queued[1:]
	delete(s.queuedKeys, c.Key())
	if c.Revision == s.lastOfferRev {
		s.applyCandidate(c)
	}
	s.flushTimer.Arm(s.cfg.CandidateFlushDelay, s.flushNext)
}
