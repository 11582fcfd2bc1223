package repository

import (
	"context"

	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHDeliveriesRepository is the delivery audit trail in ClickHouse: one row
// per attempt, append-only, queried by the reports endpoint.
type CHDeliveriesRepository interface {
	Append(ctx context.Context, rec model.DeliveryRecord) error
	ListByConsumer(ctx context.Context, consumerID int64, mailID string, onlyFailed bool, limit, offset int) ([]model.DeliveryRecord, error)
}

type chDeliveriesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHDeliveriesRepository(ch *sqlx.DB) CHDeliveriesRepository {
	return &chDeliveriesRepository{ch: ch}
}

func (r *chDeliveriesRepository) Append(ctx context.Context, rec model.DeliveryRecord) error {
	const q = `
		INSERT INTO mailarc.deliveries
		    (id, consumer_id, mail_id, attempt, success, error, duration_ms, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.ch.ExecContext(ctx, q,
		rec.ID, rec.ConsumerID, rec.MailID, rec.Attempt,
		boolToUInt8(rec.Success), rec.Error, rec.DurationMs, rec.AttemptedAt,
	)
	return err
}

func (r *chDeliveriesRepository) ListByConsumer(ctx context.Context, consumerID int64, mailID string, onlyFailed bool, limit, offset int) ([]model.DeliveryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, consumer_id, mail_id, attempt, success, error, duration_ms, attempted_at
		FROM mailarc.deliveries
		WHERE consumer_id = ?
	`
	args := []any{consumerID}

	if mailID != "" {
		q += " AND mail_id = ?"
		args = append(args, mailID)
	}
	if onlyFailed {
		q += " AND success = 0"
	}

	q += " ORDER BY attempted_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.DeliveryRecord
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
