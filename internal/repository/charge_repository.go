package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/EmmaGHimself/payment/internal/models"
	"github.com/EmmaGHimself/payment/internal/payerr"
)

const uniqueViolation = "23505"

type ChargeRepository struct {
	db *sql.DB
}

func NewChargeRepository(db *sql.DB) *ChargeRepository {
	return &ChargeRepository{db: db}
}

// CreateWithInfo inserts a ChargeInfo and its first pending Charge in one
// transaction. A duplicate merchant reference aborts the whole unit with
// DuplicateTransaction; the unique constraint, not a prior read, is the
// duplicate check so racing workers cannot both succeed.
func (r *ChargeRepository) CreateWithInfo(ctx context.Context, info *models.ChargeInfo, charge *models.Charge) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO charge_info (
			amount, merchant_reference, customer_id, description, email, phone,
			callback, settlement_account, livemode, currency, merchant_id,
			merchant_name, identifier, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`,
		info.Amount,
		info.MerchantReference,
		info.CustomerID,
		info.Description,
		info.Email,
		info.Phone,
		info.Callback,
		info.SettlementAccount,
		info.Livemode,
		info.Currency,
		info.MerchantID,
		info.MerchantName,
		info.Identifier,
		info.Status,
	).Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return payerr.Wrap(payerr.ErrDuplicateTransaction, err)
		}
		return fmt.Errorf("failed to create charge info: %w", err)
	}

	charge.ChargeInfoID = info.ID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO charges (
			charge_info_id, identifier, amount, currency, description, email,
			phone, customer_id, merchant_id, merchant_name, status, successful,
			settled, service, livemode
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`,
		charge.ChargeInfoID,
		charge.Identifier,
		charge.Amount,
		charge.Currency,
		charge.Description,
		charge.Email,
		charge.Phone,
		charge.CustomerID,
		charge.MerchantID,
		charge.MerchantName,
		charge.Status,
		charge.Successful,
		charge.Settled,
		charge.Service,
		charge.Livemode,
	).Scan(&charge.ID, &charge.CreatedAt, &charge.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create charge: %w", err)
	}

	return tx.Commit()
}

const chargeColumns = `
	id, charge_info_id, identifier, amount, currency, description, email,
	COALESCE(phone, ''), customer_id, merchant_id, merchant_name, status,
	successful, settled, COALESCE(service, ''), livemode, created_at, updated_at
`

func (r *ChargeRepository) scanCharge(row *sql.Row) (*models.Charge, error) {
	charge := &models.Charge{}
	err := row.Scan(
		&charge.ID,
		&charge.ChargeInfoID,
		&charge.Identifier,
		&charge.Amount,
		&charge.Currency,
		&charge.Description,
		&charge.Email,
		&charge.Phone,
		&charge.CustomerID,
		&charge.MerchantID,
		&charge.MerchantName,
		&charge.Status,
		&charge.Successful,
		&charge.Settled,
		&charge.Service,
		&charge.Livemode,
		&charge.CreatedAt,
		&charge.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return charge, nil
}

func (r *ChargeRepository) GetByID(ctx context.Context, id int64) (*models.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE id = $1`
	return r.scanCharge(r.db.QueryRowContext(ctx, query, id))
}

func (r *ChargeRepository) GetByIdentifier(ctx context.Context, identifier string) (*models.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE identifier = $1`
	return r.scanCharge(r.db.QueryRowContext(ctx, query, identifier))
}

// GetByMetadata finds a charge via its metadata, used by webhook handlers
// whose provider reference differs from the charge identifier.
func (r *ChargeRepository) GetByMetadata(ctx context.Context, name, value string) (*models.Charge, error) {
	query := `
		SELECT ` + chargeColumns + ` FROM charges
		WHERE id = (
			SELECT charge_id FROM charge_metadata WHERE name = $1 AND value = $2
			ORDER BY id LIMIT 1
		)
	`
	return r.scanCharge(r.db.QueryRowContext(ctx, query, name, value))
}

// GetLatestByInfoID returns the most recent charge attempt under a
// charge info, used by refund lookups keyed on the merchant reference.
func (r *ChargeRepository) GetLatestByInfoID(ctx context.Context, infoID int64) (*models.Charge, error) {
	query := `SELECT ` + chargeColumns + ` FROM charges WHERE charge_info_id = $1 ORDER BY id DESC LIMIT 1`
	return r.scanCharge(r.db.QueryRowContext(ctx, query, infoID))
}

func (r *ChargeRepository) GetInfoByID(ctx context.Context, id int64) (*models.ChargeInfo, error) {
	return r.scanInfo(r.db.QueryRowContext(ctx, `
		SELECT `+infoColumns+`
		FROM charge_info WHERE id = $1
	`, id))
}

func (r *ChargeRepository) GetInfoByReference(ctx context.Context, merchantID, reference string) (*models.ChargeInfo, error) {
	return r.scanInfo(r.db.QueryRowContext(ctx, `
		SELECT `+infoColumns+`
		FROM charge_info WHERE merchant_id = $1 AND merchant_reference = $2
	`, merchantID, reference))
}

const infoColumns = `
	id, amount, merchant_reference, customer_id, description, email,
	COALESCE(phone, ''), COALESCE(callback, ''),
	COALESCE(settlement_account, ''), livemode, currency, merchant_id,
	merchant_name, identifier, status, created_at, updated_at
`

func (r *ChargeRepository) scanInfo(row *sql.Row) (*models.ChargeInfo, error) {
	info := &models.ChargeInfo{}
	err := row.Scan(
		&info.ID,
		&info.Amount,
		&info.MerchantReference,
		&info.CustomerID,
		&info.Description,
		&info.Email,
		&info.Phone,
		&info.Callback,
		&info.SettlementAccount,
		&info.Livemode,
		&info.Currency,
		&info.MerchantID,
		&info.MerchantName,
		&info.Identifier,
		&info.Status,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// MarkSuccessful flips a charge to successful. First writer wins: the
// conditional update returns false when the charge was already successful,
// so racing webhook and requery paths apply the transition exactly once.
func (r *ChargeRepository) MarkSuccessful(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE charges
		SET status = $1, successful = TRUE, updated_at = NOW()
		WHERE id = $2 AND successful = FALSE
	`, models.ChargeStatusSuccessful, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetService records which provider a charge was routed to.
func (r *ChargeRepository) SetService(ctx context.Context, id int64, service string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE charges SET service = $1, updated_at = NOW() WHERE id = $2
	`, service, id)
	return err
}

func (r *ChargeRepository) UpdateStatus(ctx context.Context, id int64, status models.ChargeStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE charges SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, id)
	return err
}

// MarkSettled flips the settled flag; false when already settled.
func (r *ChargeRepository) MarkSettled(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE charges SET settled = TRUE, updated_at = NOW()
		WHERE id = $1 AND settled = FALSE
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendHistory writes one audit trail row. History is append-only; rows
// are never updated or removed.
func (r *ChargeRepository) AppendHistory(ctx context.Context, h *models.ChargeHistory) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO charge_history (charge_id, description, response_message, status, activity, response)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id, created_at
	`,
		h.ChargeID,
		h.Description,
		h.ResponseMessage,
		h.Status,
		h.Activity,
		h.Response,
	).Scan(&h.ID, &h.CreatedAt)
}

// SaveMetadata conditionally inserts a metadata row; false means the
// (charge, name) pair already existed. This is the webhook idempotency
// ledger's atomic write.
func (r *ChargeRepository) SaveMetadata(ctx context.Context, chargeID int64, name, value string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO charge_metadata (charge_id, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (charge_id, name) DO NOTHING
	`, chargeID, name, value)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpsertMetadata inserts or overwrites a metadata value (attempt counters).
func (r *ChargeRepository) UpsertMetadata(ctx context.Context, chargeID int64, name, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO charge_metadata (charge_id, name, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (charge_id, name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, chargeID, name, value)
	return err
}

func (r *ChargeRepository) GetMetadata(ctx context.Context, chargeID int64, name string) (*models.ChargeMetadata, error) {
	m := &models.ChargeMetadata{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, charge_id, name, value, created_at, updated_at
		FROM charge_metadata WHERE charge_id = $1 AND name = $2
	`, chargeID, name).Scan(&m.ID, &m.ChargeID, &m.Name, &m.Value, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == uniqueViolation
	}
	return false
}
