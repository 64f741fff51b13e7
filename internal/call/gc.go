package call

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
)

// purgeRevisionsBefore deletes every revision subtree superseded by rev.
// Runs on promotion and on each republished offer so candidate history
// cannot accumulate.
func (s *CallSession) purgeRevisionsBefore(ctx context.Context, rev int64) {
	revs, err := s.store.ListRevisions(ctx, s.room)
	if err != nil {
		s.diag.Add("list revisions: %v", err)
		return
	}
	for _, r := range revs {
		if r >= rev {
			continue
		}
		if err := s.store.DeleteRevision(ctx, s.room, r); err != nil {
			s.diag.Add("delete revision %d: %v", r, err)
		}
	}
}

func (s *CallSession) purgeAllRevisions(ctx context.Context) error {
	revs, err := s.store.ListRevisions(ctx, s.room)
	if err != nil {
		return err
	}
	for _, r := range revs {
		if err := s.store.DeleteRevision(ctx, s.room, r); err != nil {
			return err
		}
	}
	return nil
}

// oversizedGuard self-heals a session document whose stored descriptions
// grew past the threshold: purge it before joining rather than letting
// renegotiation history grow without bound.
func (s *CallSession) oversizedGuard(ctx context.Context) error {
	doc, err := s.store.GetSession(ctx, s.room)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.PayloadSize() <= s.cfg.OversizedDocBytes {
		return nil
	}
	s.diag.Add("session document oversized (%d bytes), purging before join", doc.PayloadSize())
	log.Warn().Str("module", "call.gc").Str("room", string(s.room)).Int("bytes", doc.PayloadSize()).Msg("oversized session document, purging")
	return s.resetDocument(ctx)
}

// leave runs on the loop: cancel every timer, drop watches and transport,
// remove our presence and, when the registry is then empty, delete the
// session document and all artifacts under it.
func (s *CallSession) leave(ctx context.Context) error {
	if s.left {
		return nil
	}
	s.left = true

	s.negotiateTimer.Cancel()
	s.presenceTimer.Cancel()
	s.restartTimer.Cancel()
	s.reconnectTimer.Cancel()
	s.graceTimer.Cancel()
	s.healthTimer.Cancel()
	s.flushTimer.Cancel()

	s.stopWatches()
	s.dropTransport()

	if s.isOfferer {
		s.purgeRevisionsBefore(ctx, s.lastOfferRev+1)
	}
	if err := s.removePresence(ctx); err != nil {
		s.diag.Add("presence removal on leave: %v", err)
		log.Warn().Err(err).Str("module", "call.gc").Msg("presence removal on leave")
	}

	remaining, err := s.store.ListPresence(ctx, s.room)
	if err != nil {
		s.diag.Add("list presence on leave: %v", err)
	} else {
		active := 0
		for i := range remaining {
			if remaining[i].UID != s.user.ID && remaining[i].Active() {
				active++
			}
		}
		if active == 0 {
			log.Info().Str("module", "call.gc").Str("room", string(s.room)).Msg("room empty, deleting session document and artifacts")
			if err := s.resetDocument(ctx); err != nil {
				s.diag.Add("final document purge: %v", err)
			}
		}
	}

	s.setState(StateLeft)
	return nil
}
