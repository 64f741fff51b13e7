package httpstore

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/adapters/feed"
	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

// watch dials a feed endpoint and delivers decoded events to handle until
// canceled. A dropped socket is redialed; the server replays the current
// state on every attach, so the handler sees a fresh snapshot after each
// redial rather than a gap.
func (s *Store) watch(ctx context.Context, path string, handle func(feed.Event)) (core.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	id, err := s.register(core.CancelFunc(cancel))
	if err != nil {
		cancel()
		return nil, err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			s.unregister(id)
		})
	}

	go func() {
		defer stop()
		for {
			if err := s.pump(ctx, path, handle); err != nil {
				if ctx.Err() != nil || s.isClosed() {
					return
				}
				log.Warn().Str("module", "httpstore").Str("feed", path).Err(err).Msg("feed dropped, redialing")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(redialDelay):
			}
		}
	}()
	return core.CancelFunc(stop), nil
}

func (s *Store) pump(ctx context.Context, path string, handle func(feed.Event)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBase+path, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev feed.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		handle(ev)
	}
}

func wsRoomPath(room domain.RoomID, rest string) string {
	return "/api/ws/rooms/" + url.PathEscape(string(room)) + rest
}

func (s *Store) WatchSession(ctx context.Context, room domain.RoomID, fn func(core.SessionEvent)) (core.CancelFunc, error) {
	return s.watch(ctx, wsRoomPath(room, "/session"), func(ev feed.Event) {
		if ev.Type != "session" {
			return
		}
		fn(core.SessionEvent{Doc: ev.Doc, Deleted: ev.Deleted})
	})
}

func (s *Store) WatchPresence(ctx context.Context, room domain.RoomID, fn func(core.PresenceEvent)) (core.CancelFunc, error) {
	return s.watch(ctx, wsRoomPath(room, "/presence"), func(ev feed.Event) {
		if ev.Type != "presence" || ev.Presence == nil {
			return
		}
		fn(core.PresenceEvent{Kind: presenceKind(ev.Kind), Presence: *ev.Presence})
	})
}

func (s *Store) WatchCandidates(ctx context.Context, room domain.RoomID, revision int64, role domain.Role, fn func(core.CandidateEvent)) (core.CancelFunc, error) {
	path := wsRoomPath(room, fmt.Sprintf("/revisions/%d/candidates/%s", revision, role))
	return s.watch(ctx, path, func(ev feed.Event) {
		if ev.Type != "candidate" || ev.Candidate == nil {
			return
		}
		fn(core.CandidateEvent{Role: ev.Role, Candidate: *ev.Candidate})
	})
}

func presenceKind(k string) core.PresenceEventKind {
	switch k {
	case "added":
		return core.PresenceAdded
	case "modified":
		return core.PresenceModified
	default:
		return core.PresenceRemoved
	}
}
