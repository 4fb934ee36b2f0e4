package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/config"
)

// paystackEnvelope is the common response wrapper of the Paystack API.
type paystackEnvelope struct {
	Status  bool                   `json:"status"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// PaystackProvider drives card charges through the Paystack REST API.
type PaystackProvider struct {
	cfg       config.ProviderConfig
	transport *Transport
	logger    *zap.Logger
}

func NewPaystackProvider(cfg config.ProviderConfig, transport *Transport, logger *zap.Logger) *PaystackProvider {
	return &PaystackProvider{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
	}
}

func (p *PaystackProvider) Name() string {
	return Paystack
}

func (p *PaystackProvider) CreateCharge(ctx context.Context, req *ChargeRequest) (*Result, error) {
	payload := map[string]interface{}{
		"email":     req.Email,
		"amount":    req.Amount,
		"reference": req.Reference,
		"currency":  req.Currency,
		"card":      req.Card,
		"metadata": map[string]interface{}{
			"custom_fields": []map[string]string{
				{
					"display_name":  "Merchant reference",
					"variable_name": "merchant_reference",
					"value":         req.Reference,
				},
			},
		},
	}

	var resp paystackEnvelope
	err := p.transport.Do(ctx, Paystack, p.cfg.BaseURL, &Request{
		Method:  "POST",
		Path:    "/charge",
		Headers: p.headers(),
		Body:    payload,
	}, &resp)
	if err != nil {
		return FoldError(Paystack, err)
	}

	return p.resultFromEnvelope(req.Reference, &resp), nil
}

func (p *PaystackProvider) VerifyTransaction(ctx context.Context, reference string) (*Result, error) {
	var resp paystackEnvelope
	err := p.transport.Do(ctx, Paystack, p.cfg.BaseURL, &Request{
		Method:  "GET",
		Path:    "/transaction/verify/" + reference,
		KeyPath: "/transaction/verify",
		Headers: p.headers(),
	}, &resp)
	if err != nil {
		return FoldError(Paystack, err)
	}

	success := resp.Status && dataString(resp.Data, "status") == "success"
	result := &Result{
		Success:   success,
		Reference: reference,
		Message:   resp.Message,
		Data:      resp.Data,
	}
	if success {
		result.ActionRequired = ActionCompleted
	}
	return result, nil
}

var paystackValidationEndpoints = map[string]string{
	"otp":      "/charge/submit_otp",
	"pin":      "/charge/submit_pin",
	"phone":    "/charge/submit_phone",
	"birthday": "/charge/submit_birthday",
	"address":  "/charge/submit_address",
}

func (p *PaystackProvider) SubmitValidation(ctx context.Context, reference string, data map[string]string) (*Result, error) {
	endpoint, ok := paystackValidationEndpoints[data["type"]]
	if !ok {
		return nil, fmt.Errorf("unsupported validation type: %s", data["type"])
	}

	payload := map[string]string{"reference": reference}
	for k, v := range data {
		if k != "type" {
			payload[k] = v
		}
	}

	var resp paystackEnvelope
	err := p.transport.Do(ctx, Paystack, p.cfg.BaseURL, &Request{
		Method:  "POST",
		Path:    endpoint,
		Headers: p.headers(),
		Body:    payload,
	}, &resp)
	if err != nil {
		return FoldError(Paystack, err)
	}

	return p.resultFromEnvelope(reference, &resp), nil
}

func (p *PaystackProvider) ProcessWebhook(payload []byte, signature string) (*Result, error) {
	if !VerifyHMACSignature(payload, signature, p.cfg.WebhookSecret) {
		return nil, fmt.Errorf("invalid webhook signature")
	}

	var event struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	success := false
	message := "Webhook processed"

	switch event.Event {
	case "charge.success":
		success = dataString(event.Data, "status") == "success"
		if success {
			message = "Payment successful"
		} else {
			message = "Payment failed"
		}
	case "charge.completed":
		success = dataString(event.Data, "status") == "success"
	case "transfer.success":
		success = true
		message = "Transfer successful"
	case "transfer.failed":
		message = "Transfer failed"
	}

	return &Result{
		Success:   success,
		Reference: dataString(event.Data, "reference"),
		Message:   message,
		Data:      event.Data,
	}, nil
}

func (p *PaystackProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.cfg.SecretKey,
	}
}

// resultFromEnvelope maps Paystack's native charge statuses to the fixed
// action vocabulary.
func (p *PaystackProvider) resultFromEnvelope(reference string, resp *paystackEnvelope) *Result {
	status := dataString(resp.Data, "status")
	action := paystackActions[status]

	message := resp.Message
	if displayText := dataString(resp.Data, "display_text"); displayText != "" {
		message = displayText
	}

	return &Result{
		Success:          action == ActionCompleted,
		Reference:        reference,
		Message:          message,
		ActionRequired:   action,
		AuthorizationURL: dataString(resp.Data, "authorization_url"),
		Data:             resp.Data,
	}
}

var paystackActions = map[string]string{
	"pending":       ActionRequery,
	"timeout":       ActionTerminate,
	"send_pin":      ActionEnterPIN,
	"send_phone":    ActionEnterPhone,
	"send_birthday": ActionEnterBirthday,
	"send_address":  ActionEnterAddress,
	"send_otp":      ActionEnterOTP,
	"open_url":      ActionOpenURL,
	"pay_offline":   ActionPayOffline,
	"failed":        ActionTerminate,
	"success":       ActionCompleted,
}

func dataString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
