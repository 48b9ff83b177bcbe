package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityContextKey = "auth_identity"

// Middleware validates bearer tokens and stores the authenticated caller in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := s.extractToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		id, err := s.ValidateToken(c.Request.Context(), raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// IdentityFromContext retrieves the authenticated caller from the gin context.
func IdentityFromContext(c *gin.Context) (*Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return nil, false
	}
	id, ok := val.(*Identity)
	return id, ok
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	id, ok := IdentityFromContext(c)
	if !ok {
		return 0, false
	}
	return id.UserID, true
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
