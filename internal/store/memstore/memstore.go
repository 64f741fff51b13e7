// Package memstore is the in-process realtime document store. It backs the
// parleyd daemon and the engine tests. Subscription semantics follow the
// snapshot-listener model: a new watcher first receives the current state
// (the document, every presence record, every candidate in the watched
// sequence), then live changes, in write order.
package memstore

import (
	"context"
	"sync"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

type Store struct {
	mu     sync.Mutex
	rooms  map[domain.RoomID]*roomState
	closed bool

	// Test and policy hooks: when set, the corresponding writes fail with
	// core.ErrPermission so callers exercise their degraded paths.
	denyDescriptions   bool
	denyPresenceDelete bool
}

type roomState struct {
	session   *domain.SessionDoc
	revisions map[int64]*revisionState
	presence  map[domain.UserID]*domain.Presence
	blobs     map[string]string
	candSeq   int64

	// delivery serializes event fan-out so every watcher observes writes
	// in the order they were applied.
	delivery    sync.Mutex
	sessionSubs map[int]*subscriber[core.SessionEvent]
	presSubs    map[int]*subscriber[core.PresenceEvent]
	candSubs    map[int]*candSubscriber
	nextSub     int
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	stop sync.Once
}

// close is shared between the subscription's CancelFunc and Store.Close;
// either may run first, and cancel funcs stay safe after the store is gone.
func (sub *subscriber[T]) close() {
	sub.stop.Do(func() { close(sub.done) })
}

type candSubscriber struct {
	subscriber[core.CandidateEvent]
	revision int64
	role     domain.Role
}

func New() *Store {
	return &Store{rooms: make(map[domain.RoomID]*roomState)}
}

// DenyDescriptions makes side-channel description writes fail with
// core.ErrPermission from now on.
func (s *Store) DenyDescriptions(deny bool) {
	s.mu.Lock()
	s.denyDescriptions = deny
	s.mu.Unlock()
}

// DenyPresenceDeletes makes hard presence deletes fail with
// core.ErrPermission, forcing callers onto the soft-delete path.
func (s *Store) DenyPresenceDeletes(deny bool) {
	s.mu.Lock()
	s.denyPresenceDelete = deny
	s.mu.Unlock()
}

func (s *Store) room(id domain.RoomID) *roomState {
	r, ok := s.rooms[id]
	if !ok {
		r = &roomState{
			revisions:   make(map[int64]*revisionState),
			presence:    make(map[domain.UserID]*domain.Presence),
			blobs:       make(map[string]string),
			sessionSubs: make(map[int]*subscriber[core.SessionEvent]),
			presSubs:    make(map[int]*subscriber[core.PresenceEvent]),
			candSubs:    make(map[int]*candSubscriber),
		}
		s.rooms[id] = r
	}
	return r
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, r := range s.rooms {
		r.delivery.Lock()
		for id, sub := range r.sessionSubs {
			sub.close()
			delete(r.sessionSubs, id)
		}
		for id, sub := range r.presSubs {
			sub.close()
			delete(r.presSubs, id)
		}
		for id, sub := range r.candSubs {
			sub.subscriber.close()
			delete(r.candSubs, id)
		}
		r.delivery.Unlock()
	}
	return nil
}

func (s *Store) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return core.ErrStoreClosed
	}
	return nil
}

func cloneDoc(d *domain.SessionDoc) *domain.SessionDoc {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Offer != nil {
		o := *d.Offer
		cp.Offer = &o
	}
	if d.Answer != nil {
		a := *d.Answer
		cp.Answer = &a
	}
	return &cp
}

func clonePresence(p *domain.Presence) domain.Presence {
	cp := *p
	if p.Reneg != nil {
		r := *p.Reneg
		cp.Reneg = &r
	}
	return cp
}
