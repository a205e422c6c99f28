package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/checkout-saga/internal/http/response"
	"github.com/yungbote/checkout-saga/internal/platform/ctxutil"
)

var errMerchantMismatch = errors.New("merchant_id does not match the authenticated merchant")

// resolveMerchant picks the authenticated merchant, falling back to the one the caller named.
// A mismatch between the two is rejected.
func resolveMerchant(c *gin.Context, named string) (string, bool) {
	named = strings.TrimSpace(named)
	authed := ctxutil.MerchantID(c.Request.Context())
	switch {
	case authed != "" && named != "" && named != authed:
		response.RespondError(c, http.StatusForbidden, "merchant_mismatch", errMerchantMismatch)
		return "", false
	case authed != "":
		return authed, true
	case named != "":
		return named, true
	default:
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("merchant is required"))
		return "", false
	}
}

func merchantFromQuery(c *gin.Context) (string, bool) {
	named := c.Query("merchant_id")
	if named == "" {
		named = c.GetHeader("X-Merchant-Id")
	}
	return resolveMerchant(c, named)
}

func parseID(c *gin.Context, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, code, err)
		return uuid.Nil, false
	}
	return id, true
}
