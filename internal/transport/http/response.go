package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"framecast-server-go/internal/platform/errors"
)

// APIResponse is the envelope every JSON endpoint returns.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
	Code    int         `json:"code"`
}

// RespondSuccess writes a success envelope.
func RespondSuccess(c *gin.Context, httpStatus int, data interface{}, message string) {
	if message == "" {
		message = "ok"
	}

	resp := APIResponse{
		Success: true,
		Message: message,
		Code:    httpStatus,
		Data:    data,
	}

	c.JSON(httpStatus, resp)
}

// RespondError writes a failure envelope.
func RespondError(c *gin.Context, httpStatus int, message string, data interface{}) {
	resp := APIResponse{
		Success: false,
		Message: message,
		Code:    httpStatus,
		Data:    data,
	}

	c.JSON(httpStatus, resp)
}

// RespondKindError maps a typed pipeline error to its HTTP status and writes
// the failure envelope. The error kind rides in the data payload so clients
// can branch without parsing messages.
func RespondKindError(c *gin.Context, err error) {
	kind := errors.KindOf(err)
	RespondError(c, StatusForKind(kind), errors.Reason(err), gin.H{"kind": string(kind)})
}

// StatusForKind translates pipeline error kinds into HTTP statuses. Blocked
// URLs are forbidden rather than bad requests: the request was well formed,
// the target is not allowed.
func StatusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindBlocked:
		return http.StatusForbidden
	case errors.KindMediaType:
		return http.StatusUnsupportedMediaType
	case errors.KindPayload:
		return http.StatusRequestEntityTooLarge
	case errors.KindFetch:
		return http.StatusBadGateway
	case errors.KindConfig, errors.KindStore, errors.KindBootstrap:
		return http.StatusInternalServerError
	case errors.KindTransport:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
