package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tessira/cartwright/internal/services"
)

const (
	userIDKey   = "user_id"
	userTierKey = "user_tier"
)

// Auth verifies optional bearer tokens. With auth.required=false an
// absent header resolves to the anonymous free tier, but a token that
// is present must still verify: a stale credential is rejected rather
// than silently downgraded.
func Auth(authService *services.AuthService, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if authService.Required() {
				c.JSON(http.StatusUnauthorized, gin.H{
					"error": gin.H{
						"code":    "MISSING_AUTHORIZATION",
						"message": "Authorization header is required",
					},
				})
				c.Abort()
				return
			}
			c.Set(userTierKey, "free")
			c.Next()
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "INVALID_AUTHORIZATION_FORMAT",
					"message": "Authorization header must be in format 'Bearer <token>'",
				},
			})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(tokenParts[1])
		if err != nil {
			logger.WithError(err).Warn("Invalid bearer token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "INVALID_TOKEN",
					"message": "Invalid or expired token",
				},
			})
			c.Abort()
			return
		}

		c.Set(userIDKey, claims.UserID.String())
		tier := claims.UserTier
		if tier == "" {
			tier = "free"
		}
		c.Set(userTierKey, tier)
		c.Next()
	}
}

// ClientIdentity returns the rate-limiting identity for the request:
// the authenticated user when present, otherwise the client address.
func ClientIdentity(c *gin.Context) (string, string) {
	tier := "free"
	if v, ok := c.Get(userTierKey); ok {
		if s, ok := v.(string); ok && s != "" {
			tier = s
		}
	}
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s, tier
		}
	}
	return c.ClientIP(), tier
}
