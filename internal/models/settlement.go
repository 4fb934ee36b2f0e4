package models

import "time"

type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusCompleted SettlementStatus = "completed"
	SettlementStatusFailed    SettlementStatus = "failed"
)

// Settlement is the net-of-fee payout record created once a charge
// succeeds. Exactly one settlement exists per charge.
type Settlement struct {
	ID                  int64            `json:"id" db:"id"`
	ChargeID            int64            `json:"charge_id" db:"charge_id"`
	Amount              int64            `json:"amount" db:"amount"`
	Fee                 int64            `json:"fee" db:"fee"`
	NetAmount           int64            `json:"net_amount" db:"net_amount"`
	Currency            string           `json:"currency" db:"currency"`
	Status              SettlementStatus `json:"status" db:"status"`
	SettlementReference string           `json:"settlement_reference" db:"settlement_reference"`
	SettlementAccount   string           `json:"settlement_account,omitempty" db:"settlement_account"`
	ManualSettlement    bool             `json:"manual_settlement" db:"manual_settlement"`
	Reason              string           `json:"reason,omitempty" db:"reason"`
	SettledAt           *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}

// SettlementStats aggregates settlement totals for reporting.
type SettlementStats struct {
	TotalSettlements     int64 `json:"total_settlements"`
	TotalAmount          int64 `json:"total_amount"`
	TotalFees            int64 `json:"total_fees"`
	TotalNetAmount       int64 `json:"total_net_amount"`
	PendingSettlements   int64 `json:"pending_settlements"`
	CompletedSettlements int64 `json:"completed_settlements"`
}

// Database schema
const SettlementSchema = `
CREATE TABLE IF NOT EXISTS settlements (
    id BIGSERIAL PRIMARY KEY,
    charge_id BIGINT NOT NULL UNIQUE REFERENCES charges(id),
    amount BIGINT NOT NULL,
    fee BIGINT NOT NULL,
    net_amount BIGINT NOT NULL,
    currency VARCHAR(3) NOT NULL DEFAULT 'NGN',
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    settlement_reference VARCHAR(64) NOT NULL,
    settlement_account VARCHAR(64),
    manual_settlement BOOLEAN NOT NULL DEFAULT FALSE,
    reason TEXT,
    settled_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements (status);
`
