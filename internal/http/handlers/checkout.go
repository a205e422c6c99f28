package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/http/response"
	"github.com/yungbote/checkout-saga/internal/services"
)

const headerIdempotencyKey = "Idempotency-Key"

type CheckoutHandler struct {
	checkout services.CheckoutOrchestrator
}

func NewCheckoutHandler(checkout services.CheckoutOrchestrator) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout}
}

// POST /api/checkout
func (h *CheckoutHandler) Checkout(c *gin.Context) {
	var req types.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	merchantID, ok := resolveMerchant(c, req.MerchantID)
	if !ok {
		return
	}
	req.MerchantID = merchantID
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	}
	res, err := h.checkout.ProcessCheckout(c.Request.Context(), req)
	respondCheckout(c, res, err)
}

type cartCheckoutRequest struct {
	MerchantID string `json:"merchant_id"`
	types.CheckoutOptions
}

// POST /api/carts/:id/checkout
func (h *CheckoutHandler) CheckoutCart(c *gin.Context) {
	var req cartCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	merchantID, ok := resolveMerchant(c, req.MerchantID)
	if !ok {
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(headerIdempotencyKey))
	}
	res, err := h.checkout.CheckoutCart(c.Request.Context(), merchantID, c.Param("id"), req.CheckoutOptions)
	respondCheckout(c, res, err)
}

// respondCheckout always writes the checkout body; the status code carries the failure kind.
func respondCheckout(c *gin.Context, res types.CheckoutResult, err error) {
	if err != nil {
		c.JSON(response.StatusForKind(types.KindOf(err)), res)
		return
	}
	response.RespondOK(c, res)
}
