// Package httpstore is the client side of parleyd: core.DocStore over its
// REST surface, with change subscriptions carried on websocket feeds. One
// socket per subscription; a broken feed redials until canceled.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

const redialDelay = time.Second

type Store struct {
	base   string
	wsBase string
	hc     *http.Client

	mu     sync.Mutex
	closed bool
	subs   map[int]core.CancelFunc
	nextID int
}

func New(baseURL string) (*Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("store url: %w", err)
	}
	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("store url: unsupported scheme %q", u.Scheme)
	}
	return &Store{
		base:   strings.TrimRight(u.String(), "/"),
		wsBase: strings.TrimRight(ws.String(), "/"),
		hc:     &http.Client{Timeout: 10 * time.Second},
		subs:   make(map[int]core.CancelFunc),
	}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := make([]core.CancelFunc, 0, len(s.subs))
	for _, c := range s.subs {
		cancels = append(cancels, c)
	}
	s.subs = map[int]core.CancelFunc{}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// do runs one REST call, mapping status codes back onto the store's
// sentinel errors.
func (s *Store) do(ctx context.Context, method, path string, in, out any) error {
	if s.isClosed() {
		return core.ErrStoreClosed
	}
	var body io.Reader
	contentType := ""
	switch v := in.(type) {
	case nil:
	case string:
		body = strings.NewReader(v)
		contentType = "text/plain"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
	case http.StatusNotFound:
		return core.ErrNotFound
	case http.StatusConflict:
		return core.ErrRevisionMismatch
	case http.StatusForbidden:
		return core.ErrPermission
	case http.StatusServiceUnavailable:
		return core.ErrStoreClosed
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("store %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*string); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*raw = string(data)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func roomPath(room domain.RoomID, rest string) string {
	return "/api/rooms/" + url.PathEscape(string(room)) + rest
}

func (s *Store) GetSession(ctx context.Context, room domain.RoomID) (*domain.SessionDoc, error) {
	var doc domain.SessionDoc
	if err := s.do(ctx, http.MethodGet, roomPath(room, "/session"), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) PutSession(ctx context.Context, room domain.RoomID, doc *domain.SessionDoc) error {
	return s.do(ctx, http.MethodPut, roomPath(room, "/session"), doc, nil)
}

func (s *Store) DeleteSession(ctx context.Context, room domain.RoomID) error {
	return s.do(ctx, http.MethodDelete, roomPath(room, "/session"), nil, nil)
}

func (s *Store) PublishAnswer(ctx context.Context, room domain.RoomID, answer *domain.Description) error {
	return s.do(ctx, http.MethodPost, roomPath(room, "/answer"), answer, nil)
}

func (s *Store) AddCandidate(ctx context.Context, room domain.RoomID, role domain.Role, cand domain.Candidate) error {
	return s.do(ctx, http.MethodPost, roomPath(room, "/candidates/"+string(role)), cand, nil)
}

func (s *Store) ListRevisions(ctx context.Context, room domain.RoomID) ([]int64, error) {
	var revs []int64
	if err := s.do(ctx, http.MethodGet, roomPath(room, "/revisions"), nil, &revs); err != nil {
		return nil, err
	}
	return revs, nil
}

func (s *Store) DeleteRevision(ctx context.Context, room domain.RoomID, revision int64) error {
	return s.do(ctx, http.MethodDelete, roomPath(room, fmt.Sprintf("/revisions/%d", revision)), nil, nil)
}

func (s *Store) PutPresence(ctx context.Context, room domain.RoomID, p *domain.Presence) error {
	return s.do(ctx, http.MethodPut, roomPath(room, "/presence/"+url.PathEscape(string(p.UID))), p, nil)
}

// UpdatePresence is read-modify-write. Presence records are single-writer
// by their owning identity, so the non-transactional update is safe in
// practice; a concurrent kick is last-write-wins.
func (s *Store) UpdatePresence(ctx context.Context, room domain.RoomID, uid domain.UserID, mutate func(*domain.Presence)) error {
	var p domain.Presence
	if err := s.do(ctx, http.MethodGet, roomPath(room, "/presence/"+url.PathEscape(string(uid))), nil, &p); err != nil {
		return err
	}
	mutate(&p)
	return s.do(ctx, http.MethodPut, roomPath(room, "/presence/"+url.PathEscape(string(uid))), &p, nil)
}

func (s *Store) DeletePresence(ctx context.Context, room domain.RoomID, uid domain.UserID) error {
	return s.do(ctx, http.MethodDelete, roomPath(room, "/presence/"+url.PathEscape(string(uid))), nil, nil)
}

func (s *Store) ListPresence(ctx context.Context, room domain.RoomID) ([]domain.Presence, error) {
	var list []domain.Presence
	if err := s.do(ctx, http.MethodGet, roomPath(room, "/presence"), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) PutDescription(ctx context.Context, room domain.RoomID, ref string, sdp string) error {
	return s.do(ctx, http.MethodPut, roomPath(room, "/descriptions/"+url.PathEscape(ref)), sdp, nil)
}

func (s *Store) GetDescription(ctx context.Context, room domain.RoomID, ref string) (string, error) {
	var sdp string
	if err := s.do(ctx, http.MethodGet, roomPath(room, "/descriptions/"+url.PathEscape(ref)), nil, &sdp); err != nil {
		return "", err
	}
	return sdp, nil
}

func (s *Store) DeleteDescriptions(ctx context.Context, room domain.RoomID) error {
	return s.do(ctx, http.MethodDelete, roomPath(room, "/descriptions"), nil, nil)
}

func (s *Store) register(cancel core.CancelFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, core.ErrStoreClosed
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = cancel
	return id, nil
}

func (s *Store) unregister(id int) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}
