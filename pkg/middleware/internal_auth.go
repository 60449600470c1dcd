package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// InternalAuthKey is the gin context key set when a request carried a valid
// internal API key. Rate limiting uses it to pick the trusted bucket.
const InternalAuthKey = "internal_auth"

// InternalAPIKey returns a Gin middleware that validates requests using a shared
// secret passed in the X-Internal-API-Key header. It uses constant-time
// comparison to prevent timing attacks.
func InternalAPIKey() gin.HandlerFunc {
	expected := os.Getenv("INTERNAL_API_KEY")

	return func(c *gin.Context) {
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal API key not configured",
			})
			return
		}

		provided := c.GetHeader("X-Internal-API-Key")
		if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid internal API key",
			})
			return
		}

		c.Set(InternalAuthKey, true)
		c.Next()
	}
}

// TrustedCaller marks requests that present a valid internal API key without
// rejecting the ones that do not. Public submission routes use it so relay
// gateways we operate get the trusted rate-limit bucket while walk-in traffic
// stays on the anonymous one.
func TrustedCaller() gin.HandlerFunc {
	expected := os.Getenv("INTERNAL_API_KEY")

	return func(c *gin.Context) {
		if expected != "" {
			provided := c.GetHeader("X-Internal-API-Key")
			if provided != "" && subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1 {
				c.Set(InternalAuthKey, true)
			}
		}
		c.Next()
	}
}
