package models

import "time"

type ChargeStatus string

const (
	ChargeStatusPending    ChargeStatus = "pending"
	ChargeStatusSuccessful ChargeStatus = "successful"
	ChargeStatusFailed     ChargeStatus = "failed"
	ChargeStatusCancelled  ChargeStatus = "cancelled"
	ChargeStatusExpired    ChargeStatus = "expired"
)

type ChargeInfoStatus string

const (
	ChargeInfoStatusEnabled  ChargeInfoStatus = "enabled"
	ChargeInfoStatusDisabled ChargeInfoStatus = "disabled"
	ChargeInfoStatusExpired  ChargeInfoStatus = "expired"
	ChargeInfoStatusSuccess  ChargeInfoStatus = "success"
)

// Charge activities recorded in charge history
const (
	ActivityMakePayment      = "MAKE_PAYMENT"
	ActivityOtpValidation    = "OTP_VALIDATION"
	ActivitySubmitValidation = "SUBMIT_VALIDATION"
	ActivityRequery          = "REQUERY"
	ActivityCancelCharge     = "CANCEL_CHARGE"
	ActivityRefundRequested  = "REFUND_REQUESTED"
	ActivityWebhookReceived  = "WEBHOOK_RECEIVED"
	ActivityWebhookSuccess   = "WEBHOOK_SUCCESS"
	ActivitySettlement       = "SETTLEMENT"
	ActivityManualSettlement = "MANUAL_SETTLEMENT"
)

// Charge is one attempted payment transaction against a ChargeInfo.
// Amounts are held in currency minor units (kobo, cents).
type Charge struct {
	ID           int64        `json:"id" db:"id"`
	ChargeInfoID int64        `json:"charge_info_id" db:"charge_info_id"`
	Identifier   string       `json:"identifier" db:"identifier"`
	Amount       int64        `json:"amount" db:"amount"`
	Currency     string       `json:"currency" db:"currency"`
	Description  string       `json:"description" db:"description"`
	Email        string       `json:"email" db:"email"`
	Phone        string       `json:"phone,omitempty" db:"phone"`
	CustomerID   string       `json:"customer_id" db:"customer_id"`
	MerchantID   string       `json:"merchant_id" db:"merchant_id"`
	MerchantName string       `json:"merchant_name" db:"merchant_name"`
	Status       ChargeStatus `json:"status" db:"status"`
	Successful   bool         `json:"successful" db:"successful"`
	Settled      bool         `json:"settled" db:"settled"`
	Service      string       `json:"service,omitempty" db:"service"`
	Livemode     bool         `json:"livemode" db:"livemode"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// ChargeInfo is the merchant's original payment request envelope. One
// ChargeInfo may back several Charge attempts (retries); it is immutable
// after creation except for its status.
type ChargeInfo struct {
	ID                int64            `json:"id" db:"id"`
	Amount            int64            `json:"amount" db:"amount"`
	MerchantReference string           `json:"merchant_reference" db:"merchant_reference"`
	CustomerID        string           `json:"customer_id" db:"customer_id"`
	Description       string           `json:"description" db:"description"`
	Email             string           `json:"email" db:"email"`
	Phone             string           `json:"phone,omitempty" db:"phone"`
	Callback          string           `json:"callback,omitempty" db:"callback"`
	SettlementAccount string           `json:"settlement_account,omitempty" db:"settlement_account"`
	Livemode          bool             `json:"livemode" db:"livemode"`
	Currency          string           `json:"currency" db:"currency"`
	MerchantID        string           `json:"merchant_id" db:"merchant_id"`
	MerchantName      string           `json:"merchant_name" db:"merchant_name"`
	Identifier        string           `json:"identifier" db:"identifier"`
	Status            ChargeInfoStatus `json:"status" db:"status"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// ChargeHistory is an append-only audit trail entry. Rows are never
// mutated or deleted.
type ChargeHistory struct {
	ID              int64        `json:"id" db:"id"`
	ChargeID        int64        `json:"charge_id" db:"charge_id"`
	Description     string       `json:"description" db:"description"`
	ResponseMessage string       `json:"response_message" db:"response_message"`
	Status          ChargeStatus `json:"status" db:"status"`
	Activity        string       `json:"activity" db:"activity"`
	Response        string       `json:"response,omitempty" db:"response"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
}

// ChargeMetadata is a key/value side-channel tied to a charge, unique on
// (charge_id, name). It doubles as the idempotency ledger for webhook
// reconciliation.
type ChargeMetadata struct {
	ID        int64     `json:"id" db:"id"`
	ChargeID  int64     `json:"charge_id" db:"charge_id"`
	Name      string    `json:"name" db:"name"`
	Value     string    `json:"value" db:"value"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Database schema
const ChargeSchema = `
CREATE TABLE IF NOT EXISTS charge_info (
    id BIGSERIAL PRIMARY KEY,
    amount BIGINT NOT NULL,
    merchant_reference VARCHAR(255) NOT NULL UNIQUE,
    customer_id VARCHAR(255) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    email VARCHAR(255) NOT NULL,
    phone VARCHAR(32),
    callback TEXT,
    settlement_account VARCHAR(64),
    livemode BOOLEAN NOT NULL DEFAULT FALSE,
    currency VARCHAR(3) NOT NULL DEFAULT 'NGN',
    merchant_id VARCHAR(255) NOT NULL,
    merchant_name VARCHAR(255) NOT NULL,
    identifier VARCHAR(32) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'enabled',
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS charges (
    id BIGSERIAL PRIMARY KEY,
    charge_info_id BIGINT NOT NULL REFERENCES charge_info(id),
    identifier VARCHAR(32) NOT NULL UNIQUE,
    amount BIGINT NOT NULL,
    currency VARCHAR(3) NOT NULL DEFAULT 'NGN',
    description TEXT NOT NULL DEFAULT '',
    email VARCHAR(255) NOT NULL,
    phone VARCHAR(32),
    customer_id VARCHAR(255) NOT NULL,
    merchant_id VARCHAR(255) NOT NULL,
    merchant_name VARCHAR(255) NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    successful BOOLEAN NOT NULL DEFAULT FALSE,
    settled BOOLEAN NOT NULL DEFAULT FALSE,
    service VARCHAR(32),
    livemode BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_charges_status ON charges (status);
CREATE INDEX IF NOT EXISTS idx_charges_merchant ON charges (merchant_id);

CREATE TABLE IF NOT EXISTS charge_history (
    id BIGSERIAL PRIMARY KEY,
    charge_id BIGINT NOT NULL REFERENCES charges(id),
    description TEXT NOT NULL,
    response_message TEXT NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL,
    activity VARCHAR(32) NOT NULL,
    response TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_charge_history_charge ON charge_history (charge_id);

CREATE TABLE IF NOT EXISTS charge_metadata (
    id BIGSERIAL PRIMARY KEY,
    charge_id BIGINT NOT NULL REFERENCES charges(id),
    name VARCHAR(64) NOT NULL,
    value TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
    UNIQUE (charge_id, name)
);

CREATE TABLE IF NOT EXISTS request_log (
    id BIGSERIAL PRIMARY KEY,
    service VARCHAR(32) NOT NULL,
    endpoint VARCHAR(64) NOT NULL,
    request TEXT NOT NULL,
    response TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);
`
