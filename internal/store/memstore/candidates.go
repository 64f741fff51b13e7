package memstore

import (
	"context"
	"sort"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

type revisionState struct {
	cands map[domain.Role][]domain.Candidate
}

func (s *Store) AddCandidate(ctx context.Context, room domain.RoomID, role domain.Role, cand domain.Candidate) error {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	r := s.room(room)
	rev, ok := r.revisions[cand.Revision]
	if !ok {
		rev = &revisionState{cands: make(map[domain.Role][]domain.Candidate)}
		r.revisions[cand.Revision] = rev
	}
	r.candSeq++
	cand.Seq = r.candSeq
	rev.cands[role] = append(rev.cands[role], cand)
	ev := core.CandidateEvent{Role: role, Candidate: cand}
	r.delivery.Lock()
	s.mu.Unlock()
	for _, sub := range r.candSubs {
		if sub.revision == cand.Revision && sub.role == role {
			send(&sub.subscriber, ev)
		}
	}
	r.delivery.Unlock()
	return nil
}

func (s *Store) WatchCandidates(ctx context.Context, room domain.RoomID, revision int64, role domain.Role, fn func(core.CandidateEvent)) (core.CancelFunc, error) {
	s.mu.Lock()
	if err := s.checkOpen(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	r := s.room(room)
	sub := &candSubscriber{
		subscriber: subscriber[core.CandidateEvent]{
			ch:   make(chan core.CandidateEvent, subBuffer),
			done: make(chan struct{}),
		},
		revision: revision,
		role:     role,
	}
	r.delivery.Lock()
	id := r.nextSub
	r.nextSub++
	r.candSubs[id] = sub
	// Replay what is already in the sequence, then go live. A late joiner
	// must see candidates trickled before it subscribed.
	if rev, ok := r.revisions[revision]; ok {
		for _, c := range rev.cands[role] {
			send(&sub.subscriber, core.CandidateEvent{Role: role, Candidate: c})
		}
	}
	s.mu.Unlock()
	r.delivery.Unlock()

	go run(&sub.subscriber, fn)

	return func() {
		r.delivery.Lock()
		delete(r.candSubs, id)
		r.delivery.Unlock()
		sub.subscriber.close()
	}, nil
}

func (s *Store) ListRevisions(ctx context.Context, room domain.RoomID) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	r, ok := s.rooms[room]
	if !ok {
		return nil, nil
	}
	out := make([]int64, 0, len(r.revisions))
	for rev := range r.revisions {
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) DeleteRevision(ctx context.Context, room domain.RoomID, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if r, ok := s.rooms[room]; ok {
		delete(r.revisions, revision)
	}
	return nil
}
