package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cvminion/bursar/pkg/api/bursar"
)

// Context keys set by the auth middleware.
const (
	KeyUserID   = "user_id"
	KeyEmail    = "email"
	KeyRole     = "role"
	KeyAuthType = "auth_type"
)

func unauthenticated(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, bursar.ErrorResponse{
		Error: message,
		Kind:  bursar.ErrKindUnauthenticated,
	})
	c.Abort()
}

// ServiceAuthMiddleware validates service-to-service auth tokens
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			unauthenticated(c, "No authorization header")
			return
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthenticated(c, "Invalid authorization header")
			return
		}

		// Validate token
		if err := ValidateServiceToken(parts[1], expectedToken); err != nil {
			unauthenticated(c, err.Error())
			return
		}

		c.Next()
	}
}

// JWTAuthMiddleware validates JWT tokens for web sessions and service tokens
// for service-to-service calls.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			// Browser clients typically use httpOnly cookies for auth.
			if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
				auth = "Bearer " + cookieToken
			} else {
				unauthenticated(c, "No authorization header")
				return
			}
		}

		// Extract Bearer token
		parts := strings.Split(auth, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthenticated(c, "Invalid authorization header")
			return
		}

		token := parts[1]

		// Try JWT validation
		claims, err := ValidateJWT(token, secret)
		if err == nil {
			c.Set(KeyUserID, claims.UserID)
			c.Set(KeyEmail, claims.Email)
			c.Set(KeyRole, claims.Role)
			c.Set(KeyAuthType, "jwt")
			c.Next()
			return
		}

		// If JWT validation fails, try service token validation
		serviceToken := GetServiceToken()
		if serviceToken != "" && ValidateServiceToken(token, serviceToken) == nil {
			c.Set(KeyUserID, "00000000-0000-0000-0000-000000000000")
			c.Set(KeyEmail, "service@internal")
			c.Set(KeyRole, "service")
			c.Set(KeyAuthType, "service")
			c.Next()
			return
		}

		unauthenticated(c, "Invalid JWT token")
	}
}
