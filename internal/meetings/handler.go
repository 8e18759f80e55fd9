package meetings

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulseworks/collab-backend/internal/middleware"
	"github.com/pulseworks/collab-backend/pkg/response"
)

// CreateRequest is the body for POST /meetings.
type CreateRequest struct {
	Title          string   `json:"title" binding:"required"`
	Description    string   `json:"description"`
	ParticipantIDs []string `json:"participant_ids" binding:"required"`
}

// RespondRequest is the body for POST /meetings/:id/respond.
type RespondRequest struct {
	Action string `json:"action" binding:"required,oneof=accept reject"`
}

// InviteRequest is the body for POST /meetings/:id/invite.
type InviteRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

// Handler exposes the signaling engine over HTTP for non-realtime clients.
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

// NewHandler creates a meeting handler.
func NewHandler(engine *Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Create handles POST /meetings.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	invitees := make([]uuid.UUID, 0, len(req.ParticipantIDs))
	for _, s := range req.ParticipantIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			response.BadRequest(c, "invalid participant id: "+s)
			return
		}
		invitees = append(invitees, id)
	}

	snap, err := h.engine.Create(c.Request.Context(), userID, req.Title, req.Description, invitees)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, snap)
}

// GetByID handles GET /meetings/:id.
func (h *Handler) GetByID(c *gin.Context) {
	meetingID, ok := h.meetingID(c)
	if !ok {
		return
	}
	snap, err := h.engine.Get(c.Request.Context(), meetingID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, snap)
}

// List handles GET /meetings: the caller's open meetings.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	snaps := h.engine.ListFor(userID)
	if snaps == nil {
		snaps = []*Snapshot{}
	}
	response.OK(c, snaps)
}

// Respond handles POST /meetings/:id/respond.
func (h *Handler) Respond(c *gin.Context) {
	meetingID, ok := h.meetingID(c)
	if !ok {
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	snap, err := h.engine.Respond(c.Request.Context(), meetingID, userID, req.Action == "accept")
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, snap)
}

// Join handles POST /meetings/:id/join.
func (h *Handler) Join(c *gin.Context) {
	h.transition(c, h.engine.Join)
}

// Leave handles POST /meetings/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	h.transition(c, h.engine.Leave)
}

// End handles POST /meetings/:id/end (creator only).
func (h *Handler) End(c *gin.Context) {
	h.transition(c, h.engine.End)
}

// Invite handles POST /meetings/:id/invite (creator only).
func (h *Handler) Invite(c *gin.Context) {
	meetingID, ok := h.meetingID(c)
	if !ok {
		return
	}
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	inviteeID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.BadRequest(c, "invalid user_id")
		return
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	snap, err := h.engine.Invite(c.Request.Context(), meetingID, callerID, inviteeID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, snap)
}

type transitionFunc func(ctx context.Context, meetingID, userID uuid.UUID) (*Snapshot, error)

func (h *Handler) transition(c *gin.Context, fn transitionFunc) {
	meetingID, ok := h.meetingID(c)
	if !ok {
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	snap, err := fn(c.Request.Context(), meetingID, userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, snap)
}

func (h *Handler) meetingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid meeting id")
		return uuid.Nil, false
	}
	return id, true
}

// fail maps engine error kinds to HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "meeting or participant not found")
	case errors.Is(err, ErrNotCreator):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrMeetingEnded):
		response.Conflict(c, "meeting already ended")
	case errors.Is(err, ErrConflict):
		response.Conflict(c, "request conflicts with the current participant state")
	default:
		h.logger.Error("meeting command failed", zap.Error(err))
		response.Internal(c, "internal error")
	}
}
