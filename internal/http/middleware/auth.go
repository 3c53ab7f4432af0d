// README: Caller authentication: Firebase ID tokens, or a trusted user header from an internal gateway.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pangea/internal/infra"
)

const (
	ctxUID  = "caller_uid"
	ctxRole = "caller_role"

	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

// Auth verifies the bearer Firebase ID token and stores the caller's uid and
// role claim on the context.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		if role, ok := token.Claims["role"].(string); ok {
			c.Set(ctxRole, role)
		}
		c.Next()
	}
}

// HeaderAuth trusts X-User-ID as set by the messaging gateway in front of
// the API. Only for deployments where the API is not publicly reachable.
func HeaderAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + HeaderUserID})
			return
		}
		c.Set(ctxUID, uid)
		if role := strings.TrimSpace(c.GetHeader(HeaderRole)); role != "" {
			c.Set(ctxRole, role)
		}
		c.Next()
	}
}

// CallerUID returns the authenticated uid, empty outside Auth/HeaderAuth.
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
