package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondKindError writes the envelope for a classified checkout error without leaking internals.
func RespondKindError(c *gin.Context, err error) {
	kind := types.KindOf(err)
	code := string(kind)
	if code == "" {
		code = string(types.KindInternal)
	}
	c.JSON(StatusForKind(kind), ErrorEnvelope{
		Error: APIError{
			Message: types.UserMessage(err),
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

func StatusForKind(kind types.Kind) int {
	switch kind {
	case types.KindConsent, types.KindInvalidOrder:
		return http.StatusBadRequest
	case types.KindPaymentGateway:
		return http.StatusPaymentRequired
	case types.KindConfiguration:
		return http.StatusServiceUnavailable
	case types.KindTokenization:
		return http.StatusUnprocessableEntity
	case types.KindConflict:
		return http.StatusConflict
	case types.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
