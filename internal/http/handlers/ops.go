package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/checkout-saga/internal/http/response"
	"github.com/yungbote/checkout-saga/internal/services"
)

type OpsHandler struct {
	compensation services.CompensationEngine
}

func NewOpsHandler(compensation services.CompensationEngine) *OpsHandler {
	return &OpsHandler{compensation: compensation}
}

// GET /api/ops/compensations/unresolved
func (h *OpsHandler) ListUnresolved(c *gin.Context) {
	merchantID, ok := merchantFromQuery(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	actions, err := h.compensation.ListUnresolved(c.Request.Context(), merchantID, limit)
	if err != nil {
		response.RespondKindError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"actions": actions})
}
