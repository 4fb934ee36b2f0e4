// Package settlement implements the asynchronous payout pipeline. A
// successful charge is enqueued onto a Kafka topic; the consumer computes
// the processing fee, writes the settlement record and flips the charge's
// settled flag. Every step is conditional so redelivered messages are
// no-ops.
package settlement

import (
	"context"

	"github.com/EmmaGHimself/payment/internal/models"
)

// ChargeStore is the slice of charge persistence the pipeline needs.
type ChargeStore interface {
	GetByID(ctx context.Context, id int64) (*models.Charge, error)
	GetInfoByID(ctx context.Context, id int64) (*models.ChargeInfo, error)
	MarkSettled(ctx context.Context, id int64) (bool, error)
	AppendHistory(ctx context.Context, h *models.ChargeHistory) error
}

// Store persists settlement records.
type Store interface {
	CreateIfAbsent(ctx context.Context, s *models.Settlement) (bool, error)
	GetByChargeID(ctx context.Context, chargeID int64) (*models.Settlement, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Stats(ctx context.Context) (*models.SettlementStats, error)
}

// Task is the message body published to the settle topic.
type Task struct {
	ChargeID int64  `json:"charge_id"`
	Trigger  string `json:"trigger,omitempty"`
}
