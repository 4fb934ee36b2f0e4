package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/payerr"
	"github.com/EmmaGHimself/payment/internal/provider"
	"github.com/EmmaGHimself/payment/internal/service"
	"github.com/EmmaGHimself/payment/internal/settlement"
)

type ChargeHandler struct {
	service     *service.ChargeService
	settlements settlement.Store
	logger      *zap.Logger
}

func NewChargeHandler(service *service.ChargeService, settlements settlement.Store, logger *zap.Logger) *ChargeHandler {
	return &ChargeHandler{
		service:     service,
		settlements: settlements,
		logger:      logger,
	}
}

// respondError maps application errors onto HTTP responses. Unknown
// errors are logged and returned as opaque 500s.
func (h *ChargeHandler) respondError(c *gin.Context, err error) {
	appErr := payerr.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(appErr.Status, gin.H{"error": appErr.Message, "code": appErr.Code})
}

// Initiate handles POST /api/v1/charges
func (h *ChargeHandler) Initiate(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": payerr.CodeValidation})
		return
	}

	resp, err := h.service.Initiate(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

type payRequest struct {
	Provider string         `json:"provider"`
	Card     *provider.Card `json:"card,omitempty"`
}

// Pay handles POST /api/v1/charges/:identifier/pay
func (h *ChargeHandler) Pay(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": payerr.CodeValidation})
		return
	}

	result, err := h.service.CreateProviderCharge(c.Request.Context(), c.Param("identifier"), req.Provider, req.Card)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type validateRequest struct {
	Type   string            `json:"type" binding:"required"`
	Values map[string]string `json:"values" binding:"required"`
}

// Validate handles POST /api/v1/charges/:identifier/validate
func (h *ChargeHandler) Validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": payerr.CodeValidation})
		return
	}

	result, err := h.service.SubmitValidation(c.Request.Context(), c.Param("identifier"), req.Type, req.Values)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Get handles GET /api/v1/charges/:identifier
func (h *ChargeHandler) Get(c *gin.Context) {
	details, err := h.service.GetCharge(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"charge": details})
}

// Requery handles GET /api/v1/charges/:identifier/requery
func (h *ChargeHandler) Requery(c *gin.Context) {
	resp, err := h.service.Requery(c.Request.Context(), c.Param("identifier"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Cancel handles POST /api/v1/charges/:identifier/cancel
func (h *ChargeHandler) Cancel(c *gin.Context) {
	if err := h.service.Cancel(c.Request.Context(), c.Param("identifier")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Charge cancelled successfully"})
}

type settleRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Settle handles POST /api/v1/charges/:identifier/settle
func (h *ChargeHandler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": payerr.CodeValidation})
		return
	}

	record, err := h.service.ManualSettle(c.Request.Context(), c.Param("identifier"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settlement": record})
}

type refundRequest struct {
	Reference string `json:"reference" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
}

// Refund handles POST /api/v1/refunds. The merchant identity comes from
// the auth middleware, never from the body.
func (h *ChargeHandler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": payerr.CodeValidation})
		return
	}

	merchantID := c.GetString("merchant_id")
	if err := h.service.RequestRefund(c.Request.Context(), merchantID, req.Reference, req.Amount); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Refund request recorded"})
}

// SettlementStats handles GET /api/v1/settlements/stats
func (h *ChargeHandler) SettlementStats(c *gin.Context) {
	stats, err := h.settlements.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
