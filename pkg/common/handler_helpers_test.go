package common_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		fallbackMsg    string
		expectHandled  bool
		expectStatus   int
		expectContains string
	}{
		{
			name:          "nil error returns false",
			err:           nil,
			fallbackMsg:   "failed",
			expectHandled: false,
		},
		{
			name:           "AppError is handled",
			err:            common.NewNotFoundError("job not found"),
			fallbackMsg:    "failed to get job",
			expectHandled:  true,
			expectStatus:   http.StatusNotFound,
			expectContains: "job not found",
		},
		{
			name:           "regular error uses fallback",
			err:            errors.New("database error"),
			fallbackMsg:    "failed to get job",
			expectHandled:  true,
			expectStatus:   http.StatusInternalServerError,
			expectContains: "failed to get job",
		},
		{
			name:           "duplicate bid maps to conflict",
			err:            common.NewDuplicateBidError("bid already recorded"),
			fallbackMsg:    "failed",
			expectHandled:  true,
			expectStatus:   http.StatusConflict,
			expectContains: "bid already recorded",
		},
		{
			name:           "busy maps to too many requests",
			err:            common.NewBusyError("intake queue full"),
			fallbackMsg:    "failed",
			expectHandled:  true,
			expectStatus:   http.StatusTooManyRequests,
			expectContains: "busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)

			handled := common.HandleServiceError(c, tt.err, tt.fallbackMsg)
			assert.Equal(t, tt.expectHandled, handled)

			if tt.expectHandled {
				assert.Equal(t, tt.expectStatus, w.Code)
				assert.Contains(t, w.Body.String(), tt.expectContains)
			}
		})
	}
}

func TestParseJobIDParam(t *testing.T) {
	tests := []struct {
		name         string
		paramValue   string
		expectOK     bool
		expectStatus int
	}{
		{
			name:       "valid job ID",
			paramValue: "a1b2c3d4e5f6",
			expectOK:   true,
		},
		{
			name:         "uppercase rejected",
			paramValue:   "A1B2C3D4E5F6",
			expectOK:     false,
			expectStatus: http.StatusBadRequest,
		},
		{
			name:         "too short",
			paramValue:   "a1b2c3",
			expectOK:     false,
			expectStatus: http.StatusBadRequest,
		},
		{
			name:         "empty",
			paramValue:   "",
			expectOK:     false,
			expectStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Params = gin.Params{{Key: "id", Value: tt.paramValue}}
			c.Request = httptest.NewRequest(http.MethodGet, "/test/"+tt.paramValue, nil)

			id, ok := common.ParseJobIDParam(c, "id")
			assert.Equal(t, tt.expectOK, ok)

			if tt.expectOK {
				assert.Equal(t, tt.paramValue, id)
			} else {
				assert.Equal(t, tt.expectStatus, w.Code)
			}
		})
	}
}

func TestAppErrorCodes(t *testing.T) {
	assert.Equal(t, common.CodeDuplicateID, common.CodeOf(common.NewDuplicateIDError("j1")))
	assert.Equal(t, common.CodeInternal, common.CodeOf(errors.New("boom")))
	assert.Equal(t, "", common.CodeOf(nil))
	assert.True(t, common.IsCode(common.NewAuctionNotOpenError("j1"), common.CodeAuctionNotOpen))

	wrapped := common.NewValidationError("bad coords", errors.New("nan"))
	assert.ErrorContains(t, wrapped, "bad coords")
	assert.ErrorContains(t, wrapped, "nan")
}
