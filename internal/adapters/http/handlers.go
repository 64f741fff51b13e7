package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/domain"
)

// Handlers maps the document store onto REST. Status codes carry the
// store's sentinel errors: 404 not found, 409 revision mismatch, 403
// permission.
type Handlers struct {
	Store core.DocStore
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRevisionMismatch):
		return http.StatusConflict
	case errors.Is(err, core.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, core.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("store error")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func room(c *gin.Context) domain.RoomID { return domain.RoomID(c.Param("room")) }

func (h *Handlers) GetSession(c *gin.Context) {
	doc, err := h.Store.GetSession(c.Request.Context(), room(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handlers) PutSession(c *gin.Context) {
	var doc domain.SessionDoc
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Store.PutSession(c.Request.Context(), room(c), &doc); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.Store.DeleteSession(c.Request.Context(), room(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) PublishAnswer(c *gin.Context) {
	var answer domain.Description
	if err := c.ShouldBindJSON(&answer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Store.PublishAnswer(c.Request.Context(), room(c), &answer); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) AddCandidate(c *gin.Context) {
	var cand domain.Candidate
	if err := c.ShouldBindJSON(&cand); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role := domain.Role(c.Param("role"))
	if role != domain.RoleOfferer && role != domain.RoleAnswerer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	if err := h.Store.AddCandidate(c.Request.Context(), room(c), role, cand); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) ListRevisions(c *gin.Context) {
	revs, err := h.Store.ListRevisions(c.Request.Context(), room(c))
	if err != nil {
		fail(c, err)
		return
	}
	if revs == nil {
		revs = []int64{}
	}
	c.JSON(http.StatusOK, revs)
}

func (h *Handlers) DeleteRevision(c *gin.Context) {
	rev, err := strconv.ParseInt(c.Param("rev"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad revision"})
		return
	}
	if err := h.Store.DeleteRevision(c.Request.Context(), room(c), rev); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) ListPresence(c *gin.Context) {
	list, err := h.Store.ListPresence(c.Request.Context(), room(c))
	if err != nil {
		fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Presence{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handlers) GetPresence(c *gin.Context) {
	uid := domain.UserID(c.Param("uid"))
	list, err := h.Store.ListPresence(c.Request.Context(), room(c))
	if err != nil {
		fail(c, err)
		return
	}
	for i := range list {
		if list[i].UID == uid {
			c.JSON(http.StatusOK, list[i])
			return
		}
	}
	fail(c, core.ErrNotFound)
}

func (h *Handlers) PutPresence(c *gin.Context) {
	var p domain.Presence
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p.UID = domain.UserID(c.Param("uid"))
	if err := h.Store.PutPresence(c.Request.Context(), room(c), &p); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) DeletePresence(c *gin.Context) {
	uid := domain.UserID(c.Param("uid"))
	if err := h.Store.DeletePresence(c.Request.Context(), room(c), uid); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) PutDescription(c *gin.Context) {
	sdp, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Store.PutDescription(c.Request.Context(), room(c), c.Param("ref"), string(sdp)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) GetDescription(c *gin.Context) {
	sdp, err := h.Store.GetDescription(c.Request.Context(), room(c), c.Param("ref"))
	if err != nil {
		fail(c, err)
		return
	}
	c.String(http.StatusOK, sdp)
}

func (h *Handlers) DeleteDescriptions(c *gin.Context) {
	if err := h.Store.DeleteDescriptions(c.Request.Context(), room(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
