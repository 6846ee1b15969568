package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Spaces/internal/adapters/auth"
	"github.com/dkeye/Spaces/internal/app/orch"
	"github.com/dkeye/Spaces/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	reg        *Registry
	readLimit  int64
	pingPeriod time.Duration
}

func (h *handlers) session(c *gin.Context) *orch.Session {
	return h.reg.Session(c.GetString(clientTokenKey), auth.UserID(c))
}

// status maps domain errors to HTTP codes.
func status(err error) int {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrSpaceEnded),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTransportDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidTitle),
		errors.Is(err, domain.ErrInvalidRole),
		errors.Is(err, domain.ErrUserIDEmpty),
		errors.Is(err, domain.ErrUserIDTooLong):
		return http.StatusBadRequest
	case errors.Is(err, orch.ErrClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := status(err)
	ev := log.Warn()
	if code == http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Str("module", "adapters.http").
		Str("user", string(auth.UserID(c))).
		Str("path", c.FullPath()).
		Int("status", code).
		Err(err).
		Msg("request failed")
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.session(c).Snapshot())
}

type createSpaceBody struct {
	Title string `json:"title" binding:"required"`
}

func (h *handlers) createSpace(c *gin.Context) {
	var body createSpaceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	sp, err := h.session(c).CreateSpace(c.Request.Context(), body.Title)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sp)
}

func (h *handlers) startSpace(c *gin.Context) {
	sp, err := h.session(c).StartSpace(c.Request.Context(), domain.SpaceID(c.Param("id")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sp)
}

func (h *handlers) join(c *gin.Context) {
	s := h.session(c)
	if err := s.Join(c.Request.Context(), domain.SpaceID(c.Param("id"))); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

func (h *handlers) leave(c *gin.Context) {
	s := h.session(c)
	if err := s.Leave(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

func (h *handlers) end(c *gin.Context) {
	s := h.session(c)
	if err := s.EndSpace(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Snapshot())
}

func (h *handlers) mute(c *gin.Context) {
	muted, err := h.session(c).ToggleMute(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *handlers) request(c *gin.Context) {
	if err := h.session(c).RequestToSpeak(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) cancelRequest(c *gin.Context) {
	if err := h.session(c).CancelRequest(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) pending(c *gin.Context) {
	reqs, err := h.session(c).PendingRequests(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

type resolveBody struct {
	Accept *bool `json:"accept" binding:"required"`
}

func (h *handlers) resolve(c *gin.Context) {
	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req, err := h.session(c).ResolveRequest(c.Request.Context(), domain.RequestID(c.Param("rid")), *body.Accept)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type promoteBody struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

func (h *handlers) promote(c *gin.Context) {
	var body promoteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	user, err := domain.ParseUserID(body.UserID)
	if err != nil {
		badRequest(c, err)
		return
	}
	role := domain.Role(body.Role)
	if !role.Valid() {
		badRequest(c, domain.ErrInvalidRole)
		return
	}
	if err := h.session(c).Promote(c.Request.Context(), user, role); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type removeBody struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *handlers) remove(c *gin.Context) {
	var body removeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	user, err := domain.ParseUserID(body.UserID)
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := h.session(c).RemoveParticipant(c.Request.Context(), user); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type recordingBody struct {
	On  bool   `json:"on"`
	URL string `json:"url"`
}

func (h *handlers) recording(c *gin.Context) {
	var body recordingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	sp, err := h.session(c).SetRecording(c.Request.Context(), body.On, body.URL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sp)
}
