package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stwalsh4118/canopy/internal/middleware"
)

// Error codes carried in every error response body.
const (
	ErrNotFound       = "NOT_FOUND"
	ErrBadRequest     = "BAD_REQUEST"
	ErrInternalServer = "INTERNAL_SERVER_ERROR"
	ErrValidation     = "VALIDATION_ERROR"
	ErrUnknownRegion  = "UNKNOWN_REGION"
	ErrUnknownTable   = "UNKNOWN_TABLE"
	ErrRunInProgress  = "RUN_IN_PROGRESS"
)

// ErrorResponse is the top-level error response structure.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// abort writes the error body and stops the handler chain. Client errors
// are logged at warn, everything else at error with err attached.
func abort(c *gin.Context, status int, code, message string, details map[string]interface{}, err error) {
	log := middleware.GetLogger(c)
	requestID := middleware.GetRequestID(c)

	if log != nil {
		fields := map[string]interface{}{
			"code":       code,
			"message":    message,
			"request_id": requestID,
			"path":       c.Request.URL.Path,
		}
		if details != nil {
			fields["details"] = details
		}
		if status >= http.StatusInternalServerError {
			fields["method"] = c.Request.Method
			log.Error("Request failed", err, fields)
		} else {
			log.Warn("Request rejected", fields)
		}
	}
	if err != nil {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}

// NotFound returns a 404 Not Found error response.
func NotFound(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, ErrNotFound, message, nil, nil)
}

// BadRequest returns a 400 Bad Request error response with optional details.
func BadRequest(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusBadRequest, ErrBadRequest, message, details, nil)
}

// UnknownRegion rejects a region identifier that does not resolve to a
// known state or territory.
func UnknownRegion(c *gin.Context, identifier string) {
	abort(c, http.StatusBadRequest, ErrUnknownRegion, "Unknown region: "+identifier,
		map[string]interface{}{"region": identifier}, nil)
}

// UnknownTable rejects a table list containing names outside the
// supported set.
func UnknownTable(c *gin.Context, unknown, supported []string) {
	abort(c, http.StatusBadRequest, ErrUnknownTable, "Unknown table requested",
		map[string]interface{}{"unknown": unknown, "supported": supported}, nil)
}

// Conflict rejects a run for a region that is already being ingested.
func Conflict(c *gin.Context, message string) {
	abort(c, http.StatusConflict, ErrRunInProgress, message, nil, nil)
}

// InternalServerError returns a 500 Internal Server Error response.
// The error is logged but never echoed to the client.
func InternalServerError(c *gin.Context, message string, err error) {
	abort(c, http.StatusInternalServerError, ErrInternalServer, message, nil, err)
}

// ValidationError returns a 400 Bad Request error response with field-specific validation errors.
func ValidationError(c *gin.Context, validationErrors validator.ValidationErrors) {
	details := make(map[string]interface{})
	for _, err := range validationErrors {
		details[err.Field()] = formatValidationError(err)
	}
	abort(c, http.StatusBadRequest, ErrValidation, "Validation failed for one or more fields", details, nil)
}

// formatValidationError converts a validator.FieldError to a human-readable message.
func formatValidationError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "latitude":
		return "Must be a latitude between -90 and 90"
	case "longitude":
		return "Must be a longitude between -180 and 180"
	case "min":
		return "Value is too short or small (minimum: " + err.Param() + ")"
	case "max":
		return "Value is too long or large (maximum: " + err.Param() + ")"
	case "gte":
		return "Must be greater than or equal to " + err.Param()
	case "lte":
		return "Must be less than or equal to " + err.Param()
	case "oneof":
		return "Must be one of: " + err.Param()
	case "dive":
		return "Every entry must be valid"
	default:
		return "Validation failed for tag: " + err.Tag()
	}
}
