package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-connect/backend/internal/auth"
	"github.com/aura-connect/backend/pkg/response"
)

const (
	// ContextUserID is the key for the user id in gin context.
	ContextUserID = "user_id"
	// ContextUserEmail is the key for the user email in gin context.
	ContextUserEmail = "user_email"
	// ContextUserName is the key for the display name in gin context.
	ContextUserName = "user_name"
)

// JWT returns a middleware that validates the access token and sets the user
// claims in context.
func JWT(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := tokens.ValidateAccess(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserEmail, claims.Email)
		c.Set(ContextUserName, claims.Name)
		c.Next()
	}
}
