package repository

import (
	"context"
	"database/sql"
)

// RequestLogRepository records inbound webhook deliveries for debugging,
// including ones that fail signature verification.
type RequestLogRepository struct {
	db *sql.DB
}

func NewRequestLogRepository(db *sql.DB) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

func (r *RequestLogRepository) Create(ctx context.Context, service, endpoint, request string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO request_log (service, endpoint, request)
		VALUES ($1, $2, $3)
		RETURNING id
	`, service, endpoint, request).Scan(&id)
	return id, err
}

func (r *RequestLogRepository) UpdateResponse(ctx context.Context, id int64, response string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE request_log SET response = $1, updated_at = NOW() WHERE id = $2
	`, response, id)
	return err
}
