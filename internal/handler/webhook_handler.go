package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/payerr"
	"github.com/EmmaGHimself/payment/internal/provider"
	"github.com/EmmaGHimself/payment/internal/webhook"
)

// signatureHeaders maps a provider to the header carrying its webhook
// signature.
var signatureHeaders = map[string]string{
	provider.Paystack: "x-paystack-signature",
	provider.Knip:     "x-knip-signature",
	provider.Stripe:   "Stripe-Signature",
}

type WebhookHandler struct {
	reconciler *webhook.Reconciler
	logger     *zap.Logger
}

func NewWebhookHandler(reconciler *webhook.Reconciler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// Receive handles POST /webhooks/:provider. The body must be read raw:
// signatures are computed over the exact bytes the provider sent.
func (h *WebhookHandler) Receive(c *gin.Context) {
	providerName := c.Param("provider")

	header, ok := signatureHeaders[providerName]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported provider", "code": payerr.CodeUnsupportedProvider})
		return
	}

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body", "code": payerr.CodeValidation})
		return
	}

	outcome, err := h.reconciler.Handle(c.Request.Context(), providerName, rawBody, c.GetHeader(header))
	if err != nil {
		appErr := payerr.From(err)
		if appErr.Status >= http.StatusInternalServerError {
			// A 5xx tells the provider to redeliver; reconciliation is
			// idempotent so the retry is safe.
			h.logger.Error("webhook processing failed",
				zap.String("provider", providerName),
				zap.Error(err))
		}
		c.JSON(appErr.Status, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": outcome.Status})
}
