package common

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
)

var jobIDPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

// HandleServiceError handles service errors with consistent patterns.
// Returns true if an error was handled (and response was sent), false otherwise.
//
// Usage:
//
//	job, err := h.store.GetJob(ctx, id)
//	if HandleServiceError(c, err, "failed to load job") {
//	    return
//	}
func HandleServiceError(c *gin.Context, err error, fallbackMessage string) bool {
	if err == nil {
		return false
	}

	// Typed business errors carry their own status and code.
	if appErr, ok := err.(*AppError); ok {
		AppErrorResponse(c, appErr)
		return true
	}

	logger.ErrorContext(c.Request.Context(), fallbackMessage,
		zap.Error(err),
	)

	ErrorResponse(c, http.StatusInternalServerError, CodeInternal, fallbackMessage)
	return true
}

// ParseJobIDParam parses and validates a job ID from a URL parameter.
// Job IDs are 12 lowercase hex characters. Returns the ID and true on
// success, or sends an error response and returns false.
func ParseJobIDParam(c *gin.Context, paramName string) (string, bool) {
	value := c.Param(paramName)
	if value == "" {
		ErrorResponse(c, http.StatusBadRequest, CodeValidation, "job ID is required")
		return "", false
	}

	if !jobIDPattern.MatchString(value) {
		ErrorResponse(c, http.StatusBadRequest, CodeValidation, "invalid job ID")
		return "", false
	}

	return value, true
}

// BindJSON binds a JSON request body and sends an error response on failure.
// Returns true on success, false on failure (response already sent).
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		ErrorResponse(c, http.StatusBadRequest, CodeValidation, err.Error())
		return false
	}
	return true
}
