package repository

import (
	"context"
	"database/sql"

	"github.com/EmmaGHimself/payment/internal/models"
)

type SettlementRepository struct {
	db *sql.DB
}

func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// CreateIfAbsent inserts a settlement unless one already exists for the
// charge. The unique constraint on charge_id is the front line of the
// no-double-settlement invariant; false means a row was already there.
func (r *SettlementRepository) CreateIfAbsent(ctx context.Context, s *models.Settlement) (bool, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO settlements (
			charge_id, amount, fee, net_amount, currency, status,
			settlement_reference, settlement_account, manual_settlement, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''))
		ON CONFLICT (charge_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`,
		s.ChargeID,
		s.Amount,
		s.Fee,
		s.NetAmount,
		s.Currency,
		s.Status,
		s.SettlementReference,
		s.SettlementAccount,
		s.ManualSettlement,
		s.Reason,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *SettlementRepository) GetByChargeID(ctx context.Context, chargeID int64) (*models.Settlement, error) {
	s := &models.Settlement{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, charge_id, amount, fee, net_amount, currency, status,
		       settlement_reference, COALESCE(settlement_account, ''),
		       manual_settlement, COALESCE(reason, ''), settled_at,
		       created_at, updated_at
		FROM settlements WHERE charge_id = $1
	`, chargeID).Scan(
		&s.ID,
		&s.ChargeID,
		&s.Amount,
		&s.Fee,
		&s.NetAmount,
		&s.Currency,
		&s.Status,
		&s.SettlementReference,
		&s.SettlementAccount,
		&s.ManualSettlement,
		&s.Reason,
		&s.SettledAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SettlementRepository) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE settlements
		SET status = $1, settled_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`, models.SettlementStatusCompleted, id)
	return err
}

func (r *SettlementRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE settlements
		SET status = $1, reason = $2, updated_at = NOW()
		WHERE id = $3
	`, models.SettlementStatusFailed, reason, id)
	return err
}

// Stats aggregates settlement totals for reporting endpoints.
func (r *SettlementRepository) Stats(ctx context.Context) (*models.SettlementStats, error) {
	stats := &models.SettlementStats{}
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(amount), 0),
		       COALESCE(SUM(fee), 0),
		       COALESCE(SUM(net_amount), 0),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'completed')
		FROM settlements
	`).Scan(
		&stats.TotalSettlements,
		&stats.TotalAmount,
		&stats.TotalFees,
		&stats.TotalNetAmount,
		&stats.PendingSettlements,
		&stats.CompletedSettlements,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
