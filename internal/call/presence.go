package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

// publishPresence upserts our record with the current media intent.
func (s *CallSession) publishPresence(ctx context.Context) error {
	p := domain.NewPresence(s.user, s.streamID)
	p.HasAudio = s.intent.Audio
	p.HasVideo = s.intent.Video
	p.Sharing = s.intent.Sharing
	if err := s.store.PutPresence(ctx, s.room, p); err != nil {
		return err
	}
	s.roster[p.UID] = *p
	return nil
}

func (s *CallSession) watchPresence(ctx context.Context) error {
	if s.cancelPres != nil {
		return nil
	}
	cancel, err := s.store.WatchPresence(ctx, s.room, func(ev core.PresenceEvent) {
		s.post(func() { s.onPresenceEvent(ev) })
	})
	if err != nil {
		return fmt.Errorf("presence watch: %w", err)
	}
	s.cancelPres = cancel
	return nil
}

func (s *CallSession) onPresenceEvent(ev core.PresenceEvent) {
	if s.left {
		return
	}
	p := ev.Presence
	switch ev.Kind {
	case core.PresenceRemoved:
		delete(s.roster, p.UID)
	default:
		s.roster[p.UID] = p
		if p.UID == s.user.ID {
			if p.Status == domain.StatusRemoved {
				// Kicked: tear down locally; the kicker's client keeps the
				// shared document for whoever remains.
				log.Info().Str("module", "call.presence").Str("room", string(s.room)).Msg("removed from room")
				if err := s.leave(context.Background()); err != nil {
					s.diag.Add("leave after kick: %v", err)
				}
				return
			}
		} else {
			s.onPeerRenegRequest(p.UID, p.Reneg)
		}
	}
	if s.statusFn != nil {
		s.statusFn(s.snapshotLocked())
	}
}

// schedulePresenceUpdate debounces media-flag changes into one store
// write.
func (s *CallSession) schedulePresenceUpdate() {
	s.presenceTimer.Arm(s.cfg.PresenceDebounce, func() {
		if s.left {
			return
		}
		intent := s.intent
		err := s.store.UpdatePresence(context.Background(), s.room, s.user.ID, func(p *domain.Presence) {
			p.HasAudio = intent.Audio
			p.HasVideo = intent.Video
			p.Sharing = intent.Sharing
		})
		if err != nil {
			s.diag.Add("presence media update: %v", err)
			log.Warn().Err(err).Str("module", "call.presence").Msg("presence media update")
		}
	})
}

// removePresence hard-deletes our record, soft-deleting to "left" when the
// store denies the delete.
func (s *CallSession) removePresence(ctx context.Context) error {
	err := s.store.DeletePresence(ctx, s.room, s.user.ID)
	if err == nil {
		delete(s.roster, s.user.ID)
		return nil
	}
	if errors.Is(err, core.ErrPermission) {
		return s.store.UpdatePresence(ctx, s.room, s.user.ID, func(p *domain.Presence) {
			p.Status = domain.StatusLeft
		})
	}
	return err
}
