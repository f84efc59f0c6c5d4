package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/swapnest/escrowd/internal/escrow"
)

const (
	// ContextKeyActor is the key for the authenticated actor in gin context.
	ContextKeyActor = "authActor"
)

// Middleware extracts and verifies the bearer token, if present.
// Sets the actor in context; rejection is left to RequireAuth.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			actor, err := m.Verify(token)
			if err == nil {
				c.Set(ContextKeyActor, actor)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid party token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyActor); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Party token required. Include 'Authorization: Bearer ...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireArbiter rejects requests whose token is not an arbiter token.
func RequireArbiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Party token required.",
			})
			return
		}
		if actor.Role != escrow.RoleArbiter {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Arbiter token required.",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the authenticated actor from context.
func GetActor(c *gin.Context) (escrow.Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return escrow.Actor{}, false
	}
	actor, ok := v.(escrow.Actor)
	return actor, ok
}
