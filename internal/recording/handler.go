package recording

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/middleware"
	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/internal/rooms"
	"github.com/aura-connect/backend/pkg/database"
	"github.com/aura-connect/backend/pkg/response"
	"github.com/aura-connect/backend/pkg/storage"
)

const downloadURLTTL = 15 * time.Minute

// Handler exposes the recording REST surface. Start and stop are host-only.
type Handler struct {
	orch   *Orchestrator
	repo   *Repository
	rooms  *rooms.Service
	s3     *storage.S3
	logger *zap.Logger
}

// NewHandler creates the recording HTTP handler.
func NewHandler(orch *Orchestrator, repo *Repository, roomSvc *rooms.Service, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orch: orch, repo: repo, rooms: roomSvc, s3: s3, logger: logger}
}

// Register mounts the recording routes on an authenticated group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/rooms/:roomCode/recording/start", h.Start)
	rg.POST("/rooms/:roomCode/recording/stop", h.Stop)
	rg.GET("/rooms/:roomCode/recordings", h.List)
	rg.GET("/recordings/:recordingId/download-url", h.DownloadURL)
}

func (h *Handler) hostRoom(c *gin.Context) (*models.Room, bool) {
	code := rooms.NormalizeCode(c.Param("roomCode"))
	if !rooms.ValidCode(code) {
		response.BadRequest(c, "invalid room code")
		return nil, false
	}
	room, err := h.rooms.Repo().GetByCode(c.Request.Context(), code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "room not found")
			return nil, false
		}
		response.Internal(c, "failed to load room")
		return nil, false
	}
	if !h.rooms.IsHost(room, c.GetString(middleware.ContextUserID)) {
		response.Forbidden(c, "host only")
		return nil, false
	}
	return room, true
}

// Start handles POST /rooms/:roomCode/recording/start.
func (h *Handler) Start(c *gin.Context) {
	room, ok := h.hostRoom(c)
	if !ok {
		return
	}
	rec, err := h.orch.Start(c.Request.Context(), room.ID, c.GetString(middleware.ContextUserID))
	if err != nil {
		switch {
		case errors.Is(err, ErrDisabled):
			response.Forbidden(c, "recording is disabled")
		case errors.Is(err, ErrAlreadyRecording):
			response.Conflict(c, "room is already being recorded")
		case errors.Is(err, ErrPortsExhausted):
			response.ServiceUnavailable(c, "recording capacity exhausted")
		default:
			h.logger.Error("recording start failed", zap.String("room_id", room.ID), zap.Error(err))
			response.Internal(c, "failed to start recording")
		}
		return
	}
	response.Created(c, rec)
}

// Stop handles POST /rooms/:roomCode/recording/stop.
func (h *Handler) Stop(c *gin.Context) {
	room, ok := h.hostRoom(c)
	if !ok {
		return
	}
	rec, err := h.orch.Stop(c.Request.Context(), room.ID)
	if err != nil {
		if errors.Is(err, ErrNotRecording) {
			response.NotFound(c, "no active recording")
			return
		}
		h.logger.Error("recording stop failed", zap.String("room_id", room.ID), zap.Error(err))
		response.Internal(c, "failed to stop recording")
		return
	}
	response.OK(c, rec)
}

// List handles GET /rooms/:roomCode/recordings.
func (h *Handler) List(c *gin.Context) {
	room, ok := h.hostRoom(c)
	if !ok {
		return
	}
	list, err := h.repo.ListByRoom(c.Request.Context(), room.ID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.String("room_id", room.ID), zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// DownloadURL handles GET /recordings/:recordingId/download-url, returning a
// presigned link for an uploaded composite.
func (h *Handler) DownloadURL(c *gin.Context) {
	rec, err := h.repo.GetSession(c.Request.Context(), c.Param("recordingId"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "recording not found")
			return
		}
		response.Internal(c, "failed to load recording")
		return
	}
	room, err := h.rooms.Repo().GetByID(c.Request.Context(), rec.RoomID)
	if err != nil {
		response.Internal(c, "failed to load room")
		return
	}
	if !h.rooms.IsHost(room, c.GetString(middleware.ContextUserID)) {
		response.Forbidden(c, "host only")
		return
	}

	asset, err := h.repo.AssetForRecording(c.Request.Context(), rec.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "no asset for recording")
			return
		}
		response.Internal(c, "failed to load asset")
		return
	}
	if asset.S3Key == "" {
		response.Conflict(c, "asset not uploaded")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "object storage not configured")
		return
	}
	url, err := h.s3.PresignDownloadURL(c.Request.Context(), asset.S3Key, downloadURLTTL)
	if err != nil {
		h.logger.Error("presign failed", zap.String("asset_id", asset.ID), zap.Error(err))
		response.Internal(c, "failed to presign download")
		return
	}
	response.OK(c, gin.H{"url": url, "expiresIn": int(downloadURLTTL.Seconds())})
}
