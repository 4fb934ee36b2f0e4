package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// Provider names
const (
	Paystack = "paystack"
	Knip     = "knip"
	Stripe   = "stripe"
)

// Normalized next-step actions. Adapters translate each provider's native
// response vocabulary into these tags; the orchestrator branches on them
// and never sees raw provider statuses.
const (
	ActionEnterOTP      = "enter_otp"
	ActionEnterPIN      = "enter_pin"
	ActionEnterPhone    = "enter_phone"
	ActionEnterBirthday = "enter_birthday"
	ActionEnterAddress  = "enter_address"
	ActionOpenURL       = "open_url"
	ActionPayOffline    = "pay_offline"
	ActionRequery       = "requery"
	ActionCompleted     = "completed"
	ActionTerminate     = "terminate"
)

// Card carries card details for card-channel charges.
type Card struct {
	Number      string `json:"number"`
	CVV         string `json:"cvv"`
	ExpiryMonth string `json:"expiry_month"`
	ExpiryYear  string `json:"expiry_year"`
}

// ChargeRequest is the provider-agnostic charge creation request. Amount
// is in currency minor units.
type ChargeRequest struct {
	Amount       int64
	Currency     string
	Email        string
	Reference    string
	Card         *Card
	MerchantName string
	Metadata     map[string]interface{}
}

// Result is the uniform shape every provider call resolves to, success or
// failure. Transport and provider errors are folded into a failed Result
// wherever possible so the orchestrator has a single shape to branch on.
type Result struct {
	Success          bool                   `json:"success"`
	Reference        string                 `json:"reference"`
	Message          string                 `json:"message"`
	ActionRequired   string                 `json:"action_required,omitempty"`
	AuthorizationURL string                 `json:"authorization_url,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
}

// Provider is the uniform payment provider contract. New providers are
// added by registering an implementation, never by modifying callers.
type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, req *ChargeRequest) (*Result, error)
	VerifyTransaction(ctx context.Context, reference string) (*Result, error)
	SubmitValidation(ctx context.Context, reference string, data map[string]string) (*Result, error)
	ProcessWebhook(payload []byte, signature string) (*Result, error)
}

// VerifyHMACSignature checks a hex-encoded HMAC-SHA512 signature over body.
func VerifyHMACSignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
