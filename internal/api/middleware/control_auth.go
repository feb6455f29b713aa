package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ControlAuth guards the internal emit endpoint with a shared token. An
// unconfigured token disables the ingress entirely.
func ControlAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "control ingress disabled: no control token configured"})
			return
		}
		provided := c.GetHeader("X-Relay-Token")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid control token"})
			return
		}
		c.Next()
	}
}
