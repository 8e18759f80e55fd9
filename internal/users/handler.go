package users

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pulseworks/collab-backend/internal/models"
	"github.com/pulseworks/collab-backend/pkg/response"
)

// Handler exposes the user directory over HTTP.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a directory handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /users: the contact picker for inviting participants.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list users", zap.Error(err))
		response.Internal(c, "failed to list users")
		return
	}
	if list == nil {
		list = []models.UserPublic{}
	}
	response.OK(c, list)
}
