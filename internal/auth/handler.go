package auth

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/pkg/database"
	"github.com/aura-connect/backend/pkg/response"
)

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Name     string `json:"name" binding:"required"`
	Picture  string `json:"picture"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest is the body for POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// TokenResponse is the auth response carrying the token pair and the user.
type TokenResponse struct {
	Tokens TokenPair    `json:"tokens"`
	User   *models.User `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   *Repository
	tokens *TokenService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo *Repository, tokens *TokenService, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, tokens: tokens, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.repo.Create(c.Request.Context(), req.Email, req.Password, req.Name, req.Picture)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			response.Conflict(c, "email already registered")
			return
		}
		h.logger.Error("user create failed", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	pair, err := h.tokens.GeneratePair(user.ID, user.Email, user.Name)
	if err != nil {
		response.Internal(c, "failed to generate tokens")
		return
	}
	response.Created(c, TokenResponse{Tokens: pair, User: user})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.repo.GetByEmail(c.Request.Context(), req.Email)
	if err != nil || !h.repo.CheckPassword(user, req.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	pair, err := h.tokens.GeneratePair(user.ID, user.Email, user.Name)
	if err != nil {
		response.Internal(c, "failed to generate tokens")
		return
	}
	response.OK(c, TokenResponse{Tokens: pair, User: user})
}

// Refresh handles POST /auth/refresh. Both tokens rotate.
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	claims, err := h.tokens.ValidateRefresh(req.RefreshToken)
	if err != nil {
		response.Unauthorized(c, "invalid refresh token")
		return
	}
	user, err := h.repo.GetByID(c.Request.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.Unauthorized(c, "user no longer exists")
			return
		}
		response.Internal(c, "failed to load user")
		return
	}

	pair, err := h.tokens.GeneratePair(user.ID, user.Email, user.Name)
	if err != nil {
		response.Internal(c, "failed to generate tokens")
		return
	}
	response.OK(c, TokenResponse{Tokens: pair, User: user})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	userID := c.GetString("user_id")
	user, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "user not found")
			return
		}
		response.Internal(c, "failed to load user")
		return
	}
	response.OK(c, user)
}
