package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
)

const (
	// RequestIDHeader is the header name for the per-request ID
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the gin context key for the request ID
	RequestIDKey = "request_id"
)

// RequestID middleware generates or extracts a request ID for tracing
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Try to get request ID from header
		requestID := strings.TrimSpace(c.GetHeader(RequestIDHeader))

		// Validate provided request ID
		if requestID != "" {
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = ""
			}
		}

		// If not provided, generate a new UUID
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Store in context for use by handlers
		c.Set(RequestIDKey, requestID)

		// Add to response headers
		c.Writer.Header().Set(RequestIDHeader, requestID)

		c.Next()
	}
}

// JobContext copies the job ID path parameter into the request context so
// downstream logging carries it
func JobContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		if jobID := c.Param("id"); jobID != "" {
			ctx := logger.ContextWithJobID(c.Request.Context(), jobID)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

// GetRequestID extracts the request ID from gin context
func GetRequestID(c *gin.Context) string {
	if id, exists := c.Get(RequestIDKey); exists {
		if requestID, ok := id.(string); ok {
			return requestID
		}
	}
	return ""
}
