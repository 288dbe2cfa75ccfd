// Package httpmw holds the gin middleware shared across the HTTP surface.
package httpmw

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// ContextUserID is the gin context key carrying the authenticated user id.
const ContextUserID = "user_id"

// TokenValidator checks a bearer token and returns the subject user id.
// Implemented by the auth service.
type TokenValidator interface {
	ValidateSubject(token string) (string, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// user id on the context.
func RequireAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := validator.ValidateSubject(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID returns the authenticated user id, empty when unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// CORS allows the browser UI to talk to the API from any origin.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Session-ID"},
		MaxAge:          12 * time.Hour,
	})
}
