package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/checkout-saga/internal/http/response"
	"github.com/yungbote/checkout-saga/internal/services"
)

type OrderHandler struct {
	orders services.OrderConfirmationBuilder
}

func NewOrderHandler(orders services.OrderConfirmationBuilder) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// GET /api/orders/:id
func (h *OrderHandler) GetOrder(c *gin.Context) {
	id, ok := parseID(c, "invalid_order_id")
	if !ok {
		return
	}
	merchantID, ok := merchantFromQuery(c)
	if !ok {
		return
	}
	order, err := h.orders.Get(c.Request.Context(), id, merchantID)
	if err != nil {
		response.RespondKindError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"order": order})
}
