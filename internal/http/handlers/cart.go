package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/checkout-saga/internal/http/response"
	"github.com/yungbote/checkout-saga/internal/services"
)

type CartHandler struct {
	carts services.CartService
}

func NewCartHandler(carts services.CartService) *CartHandler {
	return &CartHandler{carts: carts}
}

type saveCartRequest struct {
	MerchantID string `json:"merchant_id"`
	services.CartInput
}

// POST /api/carts
func (h *CartHandler) CreateCart(c *gin.Context) {
	h.save(c, "", http.StatusCreated)
}

// PUT /api/carts/:id
func (h *CartHandler) SaveCart(c *gin.Context) {
	h.save(c, c.Param("id"), http.StatusOK)
}

func (h *CartHandler) save(c *gin.Context, cartID string, status int) {
	var req saveCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	merchantID, ok := resolveMerchant(c, req.MerchantID)
	if !ok {
		return
	}
	cart, err := h.carts.SaveCart(c.Request.Context(), merchantID, cartID, req.CartInput)
	if err != nil {
		response.RespondKindError(c, err)
		return
	}
	c.JSON(status, gin.H{"cart": cart})
}

// GET /api/carts/:id
func (h *CartHandler) GetCart(c *gin.Context) {
	merchantID, ok := merchantFromQuery(c)
	if !ok {
		return
	}
	cart, err := h.carts.GetCart(c.Request.Context(), merchantID, c.Param("id"))
	if err != nil {
		response.RespondKindError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"cart": cart})
}

// DELETE /api/carts/:id
func (h *CartHandler) DeleteCart(c *gin.Context) {
	merchantID, ok := merchantFromQuery(c)
	if !ok {
		return
	}
	if err := h.carts.DeleteCart(c.Request.Context(), merchantID, c.Param("id")); err != nil {
		response.RespondKindError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
