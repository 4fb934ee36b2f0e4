package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/config"
)

// KnipProvider drives bank-transfer charges: a virtual account is opened
// for the charge and the transfer is confirmed asynchronously by webhook.
type KnipProvider struct {
	cfg       config.ProviderConfig
	transport *Transport
	logger    *zap.Logger
}

func NewKnipProvider(cfg config.ProviderConfig, transport *Transport, logger *zap.Logger) *KnipProvider {
	return &KnipProvider{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
	}
}

func (p *KnipProvider) Name() string {
	return Knip
}

func (p *KnipProvider) CreateCharge(ctx context.Context, req *ChargeRequest) (*Result, error) {
	payload := map[string]interface{}{
		"account_name": req.MerchantName,
		"amount":       strconv.FormatInt(req.Amount, 10),
		"expires_in":   1,
		"reference":    req.Reference,
		"callback_url": p.cfg.CallbackURL,
	}

	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AccountNumber     string `json:"account_number"`
			AccountName       string `json:"account_name"`
			Reference         string `json:"reference"`
			Bank              string `json:"Bank"`
			ExternalReference string `json:"external_reference"`
			Status            string `json:"status"`
		} `json:"data"`
	}

	err := p.transport.Do(ctx, Knip, p.cfg.BaseURL, &Request{
		Method:  "POST",
		Path:    "/vir-account",
		Headers: p.headers(),
		Body:    payload,
	}, &resp)
	if err != nil {
		return FoldError(Knip, err)
	}

	// The customer now has transfer instructions; completion arrives via
	// webhook, so the next step is always to wait offline.
	return &Result{
		Success:        false,
		Reference:      resp.Data.Reference,
		Message:        resp.Message,
		ActionRequired: ActionPayOffline,
		Data: map[string]interface{}{
			"bank_name":      resp.Data.Bank,
			"account_number": resp.Data.AccountNumber,
			"account_name":   resp.Data.AccountName,
			"amount":         req.Amount,
			"reference":      resp.Data.Reference,
		},
	}, nil
}

func (p *KnipProvider) VerifyTransaction(ctx context.Context, reference string) (*Result, error) {
	var resp struct {
		Status  string                 `json:"status"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	}

	err := p.transport.Do(ctx, Knip, p.cfg.BaseURL, &Request{
		Method:  "GET",
		Path:    "/vir-account/" + reference,
		KeyPath: "/vir-account",
		Headers: p.headers(),
	}, &resp)
	if err != nil {
		return FoldError(Knip, err)
	}

	success := resp.Status == "success" && dataString(resp.Data, "status") == "success"
	result := &Result{
		Success:   success,
		Reference: reference,
		Message:   resp.Message,
		Data:      resp.Data,
	}
	switch {
	case success:
		result.ActionRequired = ActionCompleted
	case dataString(resp.Data, "status") == "expired":
		// The virtual account lapsed without a transfer; nothing further
		// can arrive for this charge.
		result.ActionRequired = ActionTerminate
	default:
		result.ActionRequired = ActionRequery
	}
	return result, nil
}

func (p *KnipProvider) SubmitValidation(ctx context.Context, reference string, data map[string]string) (*Result, error) {
	// Transfers have no interactive validation step.
	return nil, fmt.Errorf("knip does not support validation submission")
}

func (p *KnipProvider) ProcessWebhook(payload []byte, signature string) (*Result, error) {
	if !VerifyHMACSignature(payload, signature, p.cfg.WebhookSecret) {
		return nil, fmt.Errorf("invalid webhook signature")
	}

	var event struct {
		Event     string `json:"event"`
		Status    string `json:"status"`
		Reference string `json:"reference"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	success := event.Status == "success"
	message := "Transfer failed"
	if success {
		message = "Transfer successful"
	}

	return &Result{
		Success:   success,
		Reference: event.Reference,
		Message:   message,
		Data: map[string]interface{}{
			"event":      event.Event,
			"status":     event.Status,
			"reference":  event.Reference,
			"session_id": event.SessionID,
		},
	}, nil
}

func (p *KnipProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.cfg.SecretKey,
	}
}
