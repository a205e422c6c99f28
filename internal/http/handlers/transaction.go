package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/http/response"
	"github.com/yungbote/checkout-saga/internal/services"
)

type TransactionHandler struct {
	checkout     services.CheckoutOrchestrator
	compensation services.CompensationEngine
}

func NewTransactionHandler(checkout services.CheckoutOrchestrator, compensation services.CompensationEngine) *TransactionHandler {
	return &TransactionHandler{checkout: checkout, compensation: compensation}
}

// GET /api/transactions/:id
func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	id, ok := parseID(c, "invalid_transaction_id")
	if !ok {
		return
	}
	merchantID, ok := merchantFromQuery(c)
	if !ok {
		return
	}
	tx, err := h.checkout.GetTransaction(c.Request.Context(), id, merchantID)
	if err != nil {
		response.RespondKindError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"transaction": tx})
}

type reasonRequest struct {
	MerchantID string `json:"merchant_id"`
	Reason     string `json:"reason"`
}

// POST /api/transactions/:id/refund
func (h *TransactionHandler) Refund(c *gin.Context) {
	h.runCompensation(c, "operator refund", h.checkout.RefundTransaction)
}

// POST /api/transactions/:id/compensate
func (h *TransactionHandler) Compensate(c *gin.Context) {
	h.runCompensation(c, "operator", h.compensation.ExecuteCompensation)
}

type compensationFunc func(ctx context.Context, txID uuid.UUID, merchantID, reason string) (types.CompensationReport, error)

func (h *TransactionHandler) runCompensation(c *gin.Context, defaultReason string, run compensationFunc) {
	id, ok := parseID(c, "invalid_transaction_id")
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	if req.MerchantID == "" {
		req.MerchantID = c.Query("merchant_id")
	}
	merchantID, ok := resolveMerchant(c, req.MerchantID)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = defaultReason
	}
	report, err := run(c.Request.Context(), id, merchantID, req.Reason)
	switch {
	case err == nil:
		response.RespondOK(c, gin.H{"compensation": report})
	case types.IsKind(err, types.KindCompensationExhausted):
		c.JSON(response.StatusForKind(types.KindCompensationExhausted), gin.H{
			"compensation": report,
			"error":        response.APIError{Message: types.UserMessage(err), Code: string(types.KindCompensationExhausted)},
		})
	default:
		response.RespondKindError(c, err)
	}
}
