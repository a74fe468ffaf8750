package rooms

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/middleware"
	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
	"github.com/aura-connect/backend/pkg/response"
)

// CreateRoomRequest is the body for POST /rooms.
type CreateRoomRequest struct {
	Name            string `json:"name"`
	RequireApproval bool   `json:"requireApproval"`
}

// SettingsRequest is the body for PATCH /rooms/:roomCode/settings.
type SettingsRequest struct {
	Name            *string `json:"name"`
	RequireApproval *bool   `json:"requireApproval"`
	ChatMuted       *bool   `json:"chatMuted"`
}

// Handler handles room HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a rooms handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the room routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/rooms", h.Create)
	rg.GET("/rooms/:roomCode", h.Get)
	rg.POST("/rooms/:roomCode/join", h.Join)
	rg.POST("/rooms/:roomCode/leave", h.Leave)
	rg.POST("/rooms/:roomCode/request-join", h.RequestJoin)
	rg.POST("/rooms/:roomCode/approve/:requestId", h.Approve)
	rg.POST("/rooms/:roomCode/reject/:requestId", h.Reject)
	rg.GET("/rooms/:roomCode/pending-requests", h.PendingRequests)
	rg.PATCH("/rooms/:roomCode/settings", h.UpdateSettings)
}

// Create handles POST /rooms.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	userID := c.GetString(middleware.ContextUserID)
	room, err := h.service.Repo().Create(c.Request.Context(), req.Name, userID, req.RequireApproval)
	if err != nil {
		h.logger.Error("room create failed", zap.Error(err))
		response.Internal(c, "failed to create room")
		return
	}
	response.Created(c, room)
}

// Get handles GET /rooms/:roomCode.
func (h *Handler) Get(c *gin.Context) {
	room, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	response.OK(c, room)
}

// Join handles POST /rooms/:roomCode/join.
func (h *Handler) Join(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	room, participant, err := h.service.Join(c.Request.Context(), userID, c.Param("roomCode"))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCode):
			response.BadRequest(c, "invalid room code")
		case errors.Is(err, database.ErrNotFound):
			response.NotFound(c, "room not found")
		case errors.Is(err, ErrRoomClosed):
			response.Conflict(c, "room is closed")
		case errors.Is(err, ErrApprovalRequired):
			response.Forbidden(c, "join approval required")
		default:
			h.logger.Error("room join failed", zap.Error(err))
			response.Internal(c, "failed to join room")
		}
		return
	}
	response.OK(c, gin.H{"room": room, "participant": participant})
}

// Leave handles POST /rooms/:roomCode/leave.
func (h *Handler) Leave(c *gin.Context) {
	room, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	userID := c.GetString(middleware.ContextUserID)
	if err := h.service.Leave(c.Request.Context(), room.ID, userID); err != nil {
		response.Internal(c, "failed to leave room")
		return
	}
	response.OK(c, gin.H{"left": true})
}

// RequestJoin handles POST /rooms/:roomCode/request-join.
func (h *Handler) RequestJoin(c *gin.Context) {
	room, ok := h.lookupRoom(c)
	if !ok {
		return
	}
	if !room.RequireApproval {
		response.Conflict(c, "room does not require approval")
		return
	}
	userID := c.GetString(middleware.ContextUserID)
	jr, err := h.service.Repo().CreateJoinRequest(c.Request.Context(), room.ID, userID)
	if err != nil {
		response.Internal(c, "failed to create join request")
		return
	}
	response.Created(c, jr)
}

// Approve handles POST /rooms/:roomCode/approve/:requestId.
func (h *Handler) Approve(c *gin.Context) {
	h.resolve(c, models.JoinRequestApproved)
}

// Reject handles POST /rooms/:roomCode/reject/:requestId.
func (h *Handler) Reject(c *gin.Context) {
	h.resolve(c, models.JoinRequestRejected)
}

func (h *Handler) resolve(c *gin.Context, status string) {
	room, ok := h.requireHost(c)
	if !ok {
		return
	}
	jr, err := h.service.Repo().ResolveJoinRequest(c.Request.Context(), c.Param("requestId"), status)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "pending request not found")
			return
		}
		response.Internal(c, "failed to resolve request")
		return
	}
	if jr.RoomID != room.ID {
		response.NotFound(c, "request does not belong to this room")
		return
	}
	response.OK(c, jr)
}

// PendingRequests handles GET /rooms/:roomCode/pending-requests.
func (h *Handler) PendingRequests(c *gin.Context) {
	room, ok := h.requireHost(c)
	if !ok {
		return
	}
	list, err := h.service.Repo().ListPendingRequests(c.Request.Context(), room.ID)
	if err != nil {
		response.Internal(c, "failed to list requests")
		return
	}
	response.OK(c, list)
}

// UpdateSettings handles PATCH /rooms/:roomCode/settings.
func (h *Handler) UpdateSettings(c *gin.Context) {
	room, ok := h.requireHost(c)
	if !ok {
		return
	}
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	updated, err := h.service.Repo().UpdateSettings(c.Request.Context(), room.ID,
		req.Name, req.RequireApproval, req.ChatMuted)
	if err != nil {
		response.Internal(c, "failed to update settings")
		return
	}
	response.OK(c, updated)
}

func (h *Handler) lookupRoom(c *gin.Context) (*models.Room, bool) {
	code := NormalizeCode(c.Param("roomCode"))
	if !ValidCode(code) {
		response.BadRequest(c, "invalid room code")
		return nil, false
	}
	room, err := h.service.Repo().GetByCode(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "room not found")
			return nil, false
		}
		response.Internal(c, "failed to load room")
		return nil, false
	}
	return room, true
}

func (h *Handler) requireHost(c *gin.Context) (*models.Room, bool) {
	room, ok := h.lookupRoom(c)
	if !ok {
		return nil, false
	}
	if room.CreatedBy != c.GetString(middleware.ContextUserID) {
		response.Forbidden(c, "host only")
		return nil, false
	}
	return room, true
}
