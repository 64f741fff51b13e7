// Package feed exposes memstore change subscriptions over websocket. One
// connection carries one subscription: a session document watch, a
// presence watch or a candidate-sequence watch. Events flow server to
// client only; the client just holds the socket open.
package feed

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the wire envelope for all three feed kinds.
type Event struct {
	Type      string              `json:"type"`
	Deleted   bool                `json:"deleted,omitempty"`
	Doc       *domain.SessionDoc  `json:"doc,omitempty"`
	Kind      string              `json:"kind,omitempty"`
	Presence  *domain.Presence    `json:"presence,omitempty"`
	Role      domain.Role         `json:"role,omitempty"`
	Candidate *domain.Candidate   `json:"candidate,omitempty"`
}

// Controller binds feed endpoints to the store.
type Controller struct {
	Store core.DocStore
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func (c *feedConn) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *feedConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *feedConn) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "feed").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("module", "feed").Msg("writePump write error")
			return
		}
	}
}

// readPump discards client frames; its job is to notice the close.
func (c *feedConn) readPump(onClose func()) {
	defer onClose()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ctl *Controller) serve(c *gin.Context, subscribe func(*feedConn) (core.CancelFunc, error)) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "feed").Msg("ws upgrade")
		return
	}
	conn := &feedConn{conn: ws, send: make(chan []byte, sendBuffer)}
	cancel, err := subscribe(conn)
	if err != nil {
		log.Error().Err(err).Str("module", "feed").Msg("subscribe")
		conn.close()
		return
	}
	go conn.writePump()
	go conn.readPump(func() {
		cancel()
		conn.close()
	})
}

func (c *feedConn) sendEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "feed").Msg("marshal event")
		return
	}
	if err := c.trySend(data); err != nil {
		log.Warn().Err(err).Str("module", "feed").Msg("feed event dropped")
	}
}

// HandleSession streams session document changes for :room.
func (ctl *Controller) HandleSession(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	ctl.serve(c, func(conn *feedConn) (core.CancelFunc, error) {
		return ctl.Store.WatchSession(c.Request.Context(), room, func(ev core.SessionEvent) {
			conn.sendEvent(Event{Type: "session", Doc: ev.Doc, Deleted: ev.Deleted})
		})
	})
}

// HandlePresence streams presence registry changes for :room.
func (ctl *Controller) HandlePresence(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	ctl.serve(c, func(conn *feedConn) (core.CancelFunc, error) {
		return ctl.Store.WatchPresence(c.Request.Context(), room, func(ev core.PresenceEvent) {
			p := ev.Presence
			conn.sendEvent(Event{Type: "presence", Kind: presenceKind(ev.Kind), Presence: &p})
		})
	})
}

// HandleCandidates streams one role's candidate sequence under :rev.
func (ctl *Controller) HandleCandidates(c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	role := domain.Role(c.Param("role"))
	rev, ok := parseRevision(c.Param("rev"))
	if !ok {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	ctl.serve(c, func(conn *feedConn) (core.CancelFunc, error) {
		return ctl.Store.WatchCandidates(c.Request.Context(), room, rev, role, func(ev core.CandidateEvent) {
			cand := ev.Candidate
			conn.sendEvent(Event{Type: "candidate", Role: ev.Role, Candidate: &cand})
		})
	})
}

func parseRevision(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}

func presenceKind(k core.PresenceEventKind) string {
	switch k {
	case core.PresenceAdded:
		return "added"
	case core.PresenceModified:
		return "modified"
	default:
		return "removed"
	}
}
