package memstore

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

const subBuffer = 256

// send enqueues without blocking the writer. A watcher that stops draining
// loses events rather than stalling every other client in the room.
func send[T any](sub *subscriber[T], ev T) {
	select {
	case <-sub.done:
		return
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		log.Warn().Str("module", "memstore").Msg("subscriber backpressure, event dropped")
	}
}

func run[T any](sub *subscriber[T], fn func(T)) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.ch:
			fn(ev)
		}
	}
}

func (s *Store) GetSession(ctx context.Context, room domain.RoomID) (*domain.SessionDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	r, ok := s.rooms[room]
	if !ok || r.session == nil {
		return nil, core.ErrNotFound
	}
	return cloneDoc(r.session), nil
}

func (s *Store) PutSession(ctx context.Context, room domain.RoomID, doc *domain.SessionDoc) error {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	r := s.room(room)
	r.session = cloneDoc(doc)
	ev := core.SessionEvent{Doc: cloneDoc(r.session)}
	r.delivery.Lock()
	s.mu.Unlock()
	for _, sub := range r.sessionSubs {
		send(sub, ev)
	}
	r.delivery.Unlock()
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, room domain.RoomID) error {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := s.rooms[room]
	if !ok || r.session == nil {
		s.mu.Unlock()
		return nil
	}
	r.session = nil
	r.delivery.Lock()
	s.mu.Unlock()
	for _, sub := range r.sessionSubs {
		send(sub, core.SessionEvent{Deleted: true})
	}
	r.delivery.Unlock()
	return nil
}

func (s *Store) PublishAnswer(ctx context.Context, room domain.RoomID, answer *domain.Description) error {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := s.rooms[room]
	if !ok || r.session == nil || r.session.Offer == nil {
		s.mu.Unlock()
		return core.ErrNotFound
	}
	if r.session.Offer.Revision != answer.Revision {
		s.mu.Unlock()
		return core.ErrRevisionMismatch
	}
	a := *answer
	r.session.Answer = &a
	ev := core.SessionEvent{Doc: cloneDoc(r.session)}
	r.delivery.Lock()
	s.mu.Unlock()
	for _, sub := range r.sessionSubs {
		send(sub, ev)
	}
	r.delivery.Unlock()
	return nil
}

func (s *Store) WatchSession(ctx context.Context, room domain.RoomID, fn func(core.SessionEvent)) (core.CancelFunc, error) {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	r := s.room(room)
	sub := &subscriber[core.SessionEvent]{
		ch:   make(chan core.SessionEvent, subBuffer),
		done: make(chan struct{}),
	}
	r.delivery.Lock()
	id := r.nextSub
	r.nextSub++
	r.sessionSubs[id] = sub
	// Initial snapshot, same as attaching a document listener.
	if r.session != nil {
		send(sub, core.SessionEvent{Doc: cloneDoc(r.session)})
	}
	s.mu.Unlock()
	r.delivery.Unlock()

	go run(sub, fn)
	return s.cancelSessionSub(r, id, sub), nil
}

func (s *Store) cancelSessionSub(r *roomState, id int, sub *subscriber[core.SessionEvent]) core.CancelFunc {
	return func() {
		r.delivery.Lock()
		delete(r.sessionSubs, id)
		r.delivery.Unlock()
		sub.close()
	}
}
