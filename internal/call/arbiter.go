package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

// join runs on the loop: read the session document, arbitrate the local
// role and publish the initial offer or answer.
func (s *CallSession) join(ctx context.Context) error {
	if s.left {
		return ErrSessionClosed
	}
	s.setState(StateJoining)

	if err := s.oversizedGuard(ctx); err != nil {
		return fmt.Errorf("pre-join purge: %w", err)
	}
	if err := s.ensureTransport(); err != nil {
		return fmt.Errorf("media transport: %w", err)
	}
	if err := s.publishPresence(ctx); err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	if err := s.watchPresence(ctx); err != nil {
		return fmt.Errorf("presence watch: %w", err)
	}

	doc, err := s.store.GetSession(ctx, s.room)
	switch {
	case errors.Is(err, core.ErrNotFound) || (err == nil && !doc.HasOffer()):
		err = s.becomeOfferer(ctx, doc)
	case err != nil:
		return fmt.Errorf("read session document: %w", err)
	case doc.SelfAuthored(s.user.ID):
		// Rejoining against our own stale state: negotiating with
		// ourselves would deadlock, so reset the document first.
		s.diag.Add("self-authored session document, forcing reset")
		log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Msg("self-authored document, resetting")
		if err = s.resetDocument(ctx); err != nil {
			return fmt.Errorf("reset self-authored document: %w", err)
		}
		err = s.becomeOfferer(ctx, nil)
	default:
		err = s.tryAnswer(ctx, doc)
	}
	if err != nil {
		return err
	}

	return s.watchSession(ctx)
}

func (s *CallSession) watchSession(ctx context.Context) error {
	if s.cancelSession != nil {
		return nil
	}
	cancel, err := s.store.WatchSession(ctx, s.room, func(ev core.SessionEvent) {
		s.post(func() { s.onSessionEvent(ev) })
	})
	if err != nil {
		return fmt.Errorf("session watch: %w", err)
	}
	s.cancelSession = cancel
	return nil
}

// becomeOfferer takes the offerer role and publishes a fresh offer one
// revision above anything the document has seen.
func (s *CallSession) becomeOfferer(ctx context.Context, existing *domain.SessionDoc) error {
	s.isOfferer = true
	s.needsPromotion = false
	if existing != nil && existing.Offer != nil && existing.Offer.Revision > s.lastOfferRev {
		s.lastOfferRev = existing.Offer.Revision
	}
	if existing != nil && !existing.CreatedAt.IsZero() {
		s.docCreatedAt, s.docCreatedBy = existing.CreatedAt, existing.CreatedBy
	} else {
		s.docCreatedAt, s.docCreatedBy = time.Now(), s.user.ID
	}
	log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Int64("base_rev", s.lastOfferRev).Msg("assuming offerer role")
	return s.publishOffer(ctx)
}

// promote is the terminal recovery for a failed answer path: purge the
// superseded artifacts and republish as offerer.
func (s *CallSession) promote(ctx context.Context, why string) error {
	s.diag.Add("promoting to offerer: %s", why)
	log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Str("why", why).Msg("promoting to offerer")
	doc, err := s.store.GetSession(ctx, s.room)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("promote read: %w", err)
	}
	return s.becomeOfferer(ctx, doc)
}

// publishOffer runs one offer-create-to-publish cycle, draining the
// pending reason set. The negotiating latch guarantees at most one cycle
// in flight per client.
func (s *CallSession) publishOffer(ctx context.Context) error {
	if s.negotiating {
		s.awaitingStable = true
		return nil
	}
	s.negotiating = true
	defer func() { s.negotiating = false }()

	tags, iceRestart := s.takeReasons()

	if err := s.ensureTransport(); err != nil {
		return err
	}
	if !s.transportConnected() {
		s.setState(StateNegotiating)
	}

	offer, err := s.transport.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	rev := s.lastOfferRev + 1
	desc := &domain.Description{
		Type:      domain.DescriptionOffer,
		SDP:       offer.SDP,
		Revision:  rev,
		UpdatedAt: time.Now(),
		UpdatedBy: s.user.ID,
	}
	desc.Ref = s.storeSideChannel(ctx, domain.DescriptionOffer, rev, offer.SDP)

	// Full replacement: the previous answer is cleared with the old offer.
	doc := &domain.SessionDoc{
		Offer:     desc,
		CreatedAt: s.docCreatedAt,
		CreatedBy: s.docCreatedBy,
	}
	if err := s.store.PutSession(ctx, s.room, doc); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}

	s.lastOfferRev = rev
	s.lastAnswerRev = 0
	s.retargetCandidates(ctx, rev)
	s.purgeRevisionsBefore(ctx, rev)
	if !s.transportConnected() {
		s.setState(StateWaiting)
	}
	log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Int64("rev", rev).Strs("reasons", tags).Bool("ice_restart", iceRestart).Msg("offer published")
	return nil
}

// tryAnswer applies the current offer and publishes a guarded answer,
// re-reading and retrying when the offer moves underneath us. Bounded:
// after AnswerAttempts failures the endpoint promotes itself.
func (s *CallSession) tryAnswer(ctx context.Context, doc *domain.SessionDoc) error {
	s.isOfferer = false
	for attempt := 0; attempt < s.cfg.AnswerAttempts; attempt++ {
		if err := s.answerOnce(ctx, doc); err == nil {
			return nil
		} else if errors.Is(err, core.ErrRevisionMismatch) {
			s.diag.Add("answer revision race at rev %d, attempt %d", doc.Offer.Revision, attempt+1)
			log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Int64("rev", doc.Offer.Revision).Int("attempt", attempt+1).Msg("offer moved during answer, retrying")
			fresh, rerr := s.store.GetSession(ctx, s.room)
			if rerr != nil || !fresh.HasOffer() {
				break
			}
			if fresh.Offer.UpdatedBy == s.user.ID {
				// The stored offer is ours again, so the foreign offer
				// that started this answer is already superseded.
				// Answering it would negotiate against ourselves.
				return s.promote(ctx, "own offer is current")
			}
			doc = fresh
			continue
		} else if errors.Is(err, errDescriptionUnavailable) {
			return s.promote(ctx, "offer description unreadable")
		} else {
			return err
		}
	}
	return s.promote(ctx, "answer retries exhausted")
}

var errDescriptionUnavailable = errors.New("description unavailable")

// answerOnce runs a single answer attempt against doc's offer.
func (s *CallSession) answerOnce(ctx context.Context, doc *domain.SessionDoc) error {
	sdp, err := s.resolveDescription(ctx, doc.Offer)
	if err != nil {
		return err
	}
	rev := doc.Offer.Revision
	if err := s.ensureTransport(); err != nil {
		return err
	}
	if !s.transportConnected() {
		s.setState(StateNegotiating)
	}

	if err := s.transport.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.lastOfferRev = rev
	s.retargetCandidates(ctx, rev)
	s.flushQueuedCandidates()

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	desc := &domain.Description{
		Type:      domain.DescriptionAnswer,
		SDP:       answer.SDP,
		Revision:  rev,
		UpdatedAt: time.Now(),
		UpdatedBy: s.user.ID,
	}
	desc.Ref = s.storeSideChannel(ctx, domain.DescriptionAnswer, rev, answer.SDP)

	if err := s.store.PublishAnswer(ctx, s.room, desc); err != nil {
		return err
	}
	s.lastAnswerRev = rev
	if s.transportConnected() {
		s.setState(StateConnected)
	} else {
		s.setState(StateConnecting)
	}
	log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Int64("rev", rev).Msg("answer published")
	return nil
}

// onSessionEvent reconciles a document change notification. Updates
// authored by this endpoint are never acted on.
func (s *CallSession) onSessionEvent(ev core.SessionEvent) {
	if s.left {
		return
	}
	if ev.Deleted {
		// The peer's GC or a reset removed the document while we are still
		// in the room: recreate canonical state as offerer.
		s.diag.Add("session document deleted remotely")
		if err := s.promote(context.Background(), "document deleted"); err != nil {
			log.Warn().Err(err).Str("module", "call.arbiter").Msg("promote after delete")
		}
		return
	}
	doc := ev.Doc
	if doc == nil || doc.Offer == nil {
		return
	}

	if s.isOfferer {
		s.offererOnEvent(doc)
		return
	}
	s.answererOnEvent(doc)
}

func (s *CallSession) offererOnEvent(doc *domain.SessionDoc) {
	ctx := context.Background()

	// A foreign offer while we hold the offerer role means two endpoints
	// initialized concurrently. The lower user id keeps the role and
	// republishes above the intruding revision; the higher id demotes and
	// answers. Deterministic on both sides, so exactly one offerer
	// survives.
	if doc.Offer.UpdatedBy != s.user.ID {
		if s.user.ID < doc.Offer.UpdatedBy {
			s.diag.Add("offer collision at rev %d, keeping role", doc.Offer.Revision)
			if doc.Offer.Revision > s.lastOfferRev {
				s.lastOfferRev = doc.Offer.Revision
			}
			// Our outstanding local offer was overwritten in the document
			// and will never be answered, so the republish cannot wait
			// for a stable signaling state.
			s.pushReason(ReasonRosterChange)
			if err := s.publishOffer(ctx); err != nil {
				log.Warn().Err(err).Str("module", "call.arbiter").Msg("republish after collision")
			}
		} else {
			s.diag.Add("offer collision at rev %d, demoting", doc.Offer.Revision)
			log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Msg("offer collision, demoting to answerer")
			s.demote()
			if err := s.tryAnswer(ctx, doc); err != nil {
				log.Warn().Err(err).Str("module", "call.arbiter").Msg("answer after demotion")
			}
		}
		return
	}

	// Our own offer: only the peer's answer is actionable.
	ans := doc.Answer
	if ans == nil || ans.UpdatedBy == s.user.ID {
		return
	}
	if ans.Revision != s.lastOfferRev {
		s.diag.Add("stale answer rev %d (current %d), dropped", ans.Revision, s.lastOfferRev)
		return
	}
	if s.lastAnswerRev == ans.Revision {
		return
	}
	sdp, err := s.resolveDescription(ctx, ans)
	if err != nil {
		s.diag.Add("answer description unreadable: %v", err)
		s.requestNegotiation(ReasonRecovery)
		return
	}
	if err := s.transport.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		s.diag.Add("apply answer rev %d: %v", ans.Revision, err)
		log.Warn().Err(err).Str("module", "call.arbiter").Int64("rev", ans.Revision).Msg("apply answer")
		return
	}
	s.lastAnswerRev = ans.Revision
	s.flushQueuedCandidates()
	if s.transportConnected() {
		s.setState(StateConnected)
	} else {
		s.setState(StateConnecting)
	}
	log.Info().Str("module", "call.arbiter").Str("room", string(s.room)).Int64("rev", ans.Revision).Msg("answer applied")
}

func (s *CallSession) answererOnEvent(doc *domain.SessionDoc) {
	// Never act on our own writes, including the stale offer an endpoint
	// sees right after demoting.
	if doc.Offer.UpdatedBy == s.user.ID {
		return
	}
	if doc.Offer.Revision <= s.lastOfferRev && s.lastAnswerRev == doc.Offer.Revision {
		return
	}
	if doc.Offer.Revision < s.lastOfferRev {
		s.diag.Add("stale offer rev %d (current %d), dropped", doc.Offer.Revision, s.lastOfferRev)
		return
	}
	if doc.Offer.Revision == s.lastOfferRev && s.lastAnswerRev != 0 {
		return
	}
	if err := s.tryAnswer(context.Background(), doc); err != nil {
		log.Warn().Err(err).Str("module", "call.arbiter").Msg("answer new offer")
	}
}

// demote abandons the offerer role. The transport carries a local offer
// that will never be answered, so it is rebuilt from scratch.
func (s *CallSession) demote() {
	s.isOfferer = false
	s.negotiating = false
	s.pendingReasons = s.pendingReasons[:0]
	s.negotiateTimer.Cancel()
	s.dropTransport()
	if err := s.ensureTransport(); err != nil {
		log.Error().Err(err).Str("module", "call.arbiter").Msg("rebuild transport after demotion")
	}
}

// resetDocument wipes the session document and every artifact under it.
func (s *CallSession) resetDocument(ctx context.Context) error {
	if err := s.purgeAllRevisions(ctx); err != nil {
		return err
	}
	if err := s.store.DeleteDescriptions(ctx, s.room); err != nil && !errors.Is(err, core.ErrPermission) {
		return err
	}
	return s.store.DeleteSession(ctx, s.room)
}
