package memstore

import (
	"context"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

func (s *Store) PutDescription(ctx context.Context, room domain.RoomID, ref string, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if s.denyDescriptions {
		return core.ErrPermission
	}
	s.room(room).blobs[ref] = sdp
	return nil
}

func (s *Store) GetDescription(ctx context.Context, room domain.RoomID, ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return "", err
	}
	r, ok := s.rooms[room]
	if !ok {
		return "", core.ErrNotFound
	}
	sdp, ok := r.blobs[ref]
	if !ok {
		return "", core.ErrNotFound
	}
	return sdp, nil
}

func (s *Store) DeleteDescriptions(ctx context.Context, room domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	if r, ok := s.rooms[room]; ok {
		r.blobs = make(map[string]string)
	}
	return nil
}
