package memstore

import (
	"context"
	"sort"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

func (s *Store) PutPresence(ctx context.Context, room domain.RoomID, p *domain.Presence) error {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	r := s.room(room)
	_, existed := r.presence[p.UID]
	cp := clonePresence(p)
	r.presence[p.UID] = &cp
	kind := core.PresenceAdded
	if existed {
		kind = core.PresenceModified
	}
	ev := core.PresenceEvent{Kind: kind, Presence: clonePresence(&cp)}
	r.delivery.Lock()
	s.mu.Unlock()
	for _, sub := range r.presSubs {
		send(sub, ev)
	}
	r.delivery.Unlock()
	return nil
}

func (s *Store) UpdatePresence(ctx context.Context, room domain.RoomID, uid domain.UserID, mutate func(*domain.Presence)) error {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	p, ok := r.presence[uid]
	if !ok {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	mutate(p)
	ev := core.PresenceEvent{Kind: core.PresenceModified, Presence: clonePresence(p)}
	r.delivery.Lock()
	s.mu.Unlock()
	for _, sub := range r.presSubs {
		send(sub, ev)
	}
	r.delivery.Unlock()
	return nil
}

func (s *Store) DeletePresence(ctx context.Context, room domain.RoomID, uid domain.UserID) error {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.denyPresenceDelete {
		s.mu.Unlock()
		return core.ErrPermission
	}
	r, ok := s.rooms[room]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	p, ok := r.presence[uid]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	removed := clonePresence(p)
	delete(r.presence, uid)
	ev := core.PresenceEvent{Kind: core.PresenceRemoved, Presence: removed}
	r.delivery.Lock()
	s.mu.Unlock()
	for _, sub := range r.presSubs {
		send(sub, ev)
	}
	r.delivery.Unlock()
	return nil
}

func (s *Store) ListPresence(ctx context.Context, room domain.RoomID) ([]domain.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	r, ok := s.rooms[room]
	if !ok {
		return nil, nil
	}
	out := make([]domain.Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, clonePresence(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) WatchPresence(ctx context.Context, room domain.RoomID, fn func(core.PresenceEvent)) (core.CancelFunc, error) {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	r := s.room(room)
	sub := &subscriber[core.PresenceEvent]{
		ch:   make(chan core.PresenceEvent, subBuffer),
		done: make(chan struct{}),
	}
	r.delivery.Lock()
	id := r.nextSub
	r.nextSub++
	r.presSubs[id] = sub
	for _, p := range r.presence {
		send(sub, core.PresenceEvent{Kind: core.PresenceAdded, Presence: clonePresence(p)})
	}
	s.mu.Unlock()
	r.delivery.Unlock()

	go run(sub, fn)

	return func() {
		r.delivery.Lock()
		delete(r.presSubs, id)
		r.delivery.Unlock()
		sub.close()
	}, nil
}
