package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/EmmaGHimself/payment/internal/config"
)

// StripeProvider adapts the Stripe PaymentIntent API to the provider
// contract via the official SDK.
type StripeProvider struct {
	cfg    config.ProviderConfig
	logger *zap.Logger
}

func NewStripeProvider(cfg config.ProviderConfig, logger *zap.Logger) *StripeProvider {
	stripe.Key = cfg.SecretKey

	return &StripeProvider{
		cfg:    cfg,
		logger: logger,
	}
}

func (p *StripeProvider) Name() string {
	return Stripe
}

func (p *StripeProvider) CreateCharge(ctx context.Context, req *ChargeRequest) (*Result, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
	}
	params.Context = ctx
	params.AddMetadata("reference", req.Reference)
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return p.foldStripeError(err)
	}

	return p.resultFromIntent(req.Reference, intent), nil
}

func (p *StripeProvider) VerifyTransaction(ctx context.Context, reference string) (*Result, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := paymentintent.Get(reference, params)
	if err != nil {
		return p.foldStripeError(err)
	}

	return p.resultFromIntent(reference, intent), nil
}

func (p *StripeProvider) SubmitValidation(ctx context.Context, reference string, data map[string]string) (*Result, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx

	intent, err := paymentintent.Confirm(reference, params)
	if err != nil {
		return p.foldStripeError(err)
	}

	return p.resultFromIntent(reference, intent), nil
}

func (p *StripeProvider) ProcessWebhook(payload []byte, signature string) (*Result, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signature: %w", err)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	reference := intent.Metadata["reference"]
	if reference == "" {
		reference = intent.ID
	}

	success := event.Type == "payment_intent.succeeded"
	message := "Payment failed"
	if success {
		message = "Payment successful"
	}

	return &Result{
		Success:   success,
		Reference: reference,
		Message:   message,
		Data: map[string]interface{}{
			"event_id":       event.ID,
			"event":          string(event.Type),
			"payment_intent": intent.ID,
			"status":         string(intent.Status),
		},
	}, nil
}

// resultFromIntent maps PaymentIntent statuses to the fixed action
// vocabulary.
func (p *StripeProvider) resultFromIntent(reference string, intent *stripe.PaymentIntent) *Result {
	var action string
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		action = ActionCompleted
	case stripe.PaymentIntentStatusRequiresAction:
		action = ActionOpenURL
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresConfirmation:
		action = ActionRequery
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		action = ActionTerminate
	default:
		action = ActionRequery
	}

	result := &Result{
		Success:        action == ActionCompleted,
		Reference:      reference,
		Message:        string(intent.Status),
		ActionRequired: action,
		Data: map[string]interface{}{
			"payment_intent": intent.ID,
			"status":         string(intent.Status),
			"client_secret":  intent.ClientSecret,
		},
	}

	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		result.AuthorizationURL = intent.NextAction.RedirectToURL.URL
	}
	return result
}

func (p *StripeProvider) foldStripeError(err error) (*Result, error) {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return &Result{
			Success: false,
			Message: stripeErr.Msg,
			Data:    map[string]interface{}{"code": string(stripeErr.Code)},
		}, nil
	}
	return FoldError(Stripe, err)
}
