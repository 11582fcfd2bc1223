package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// DispatchesRepository is the durable work queue: one row per pending
// (consumer, mail) delivery obligation. All retry bookkeeping goes through
// the atomic operations here; a row's absence means the mail was delivered
// (or the consumer is gone).
type DispatchesRepository interface {
	// Enqueue inserts a dispatch row with next_time = now. Re-enqueuing an
	// existing pair is a no-op that leaves the row untouched. Returns true
	// when a fresh row was inserted (the caller publishes a wake-up only
	// for fresh rows). If tx is nil an internal transaction is used.
	Enqueue(ctx context.Context, tx *sqlx.Tx, consumerID int64, mailID string) (bool, error)

	// Due returns the consumer's dispatch rows with next_time <= at,
	// oldest-due first.
	Due(ctx context.Context, consumerID int64, at time.Time) ([]model.Dispatch, error)

	// PullDue atomically claims the consumer's due rows: each one is
	// rescheduled to at + redeliverAfter in the same statement that reads
	// it, so a crash between read and delivery only costs the client a
	// redelivery. Claimed rows are returned oldest first; they stay queued
	// until acknowledged with RecordSuccess.
	PullDue(ctx context.Context, consumerID int64, at time.Time, redeliverAfter time.Duration) ([]model.Dispatch, error)

	// RecordSuccess deletes the row. ErrDispatchNotFound when no row
	// exists, which callers may treat as already-delivered.
	RecordSuccess(ctx context.Context, consumerID int64, mailID string) error

	// RecordFailure reschedules the row: last_time = attemptedAt,
	// next_time = attemptedAt + backoff, attempts incremented. The backoff
	// must be strictly positive so next_time stays ahead of last_time.
	RecordFailure(ctx context.Context, consumerID int64, mailID string, attemptedAt time.Time, backoff time.Duration) error

	// DeleteForConsumer bulk-removes the consumer's rows.
	DeleteForConsumer(ctx context.Context, consumerID int64) (int64, error)
}

type DispatchesRepositoryImpl struct {
	db *sqlx.DB
}

func NewDispatchesRepository(db *sqlx.DB) *DispatchesRepositoryImpl {
	return &DispatchesRepositoryImpl{db: db}
}

var _ DispatchesRepository = (*DispatchesRepositoryImpl)(nil)

func (r *DispatchesRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

func (r *DispatchesRepositoryImpl) Enqueue(ctx context.Context, tx *sqlx.Tx, consumerID int64, mailID string) (bool, error) {
	const q = `
		INSERT INTO dispatch (consumer_id, mail_id)
		VALUES ($1, $2)
		ON CONFLICT (consumer_id, mail_id) DO NOTHING
	`
	var inserted bool
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, consumerID, mailID)
		if err != nil {
			return mapReferenceError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

func (r *DispatchesRepositoryImpl) Due(ctx context.Context, consumerID int64, at time.Time) ([]model.Dispatch, error) {
	var rows []model.Dispatch
	err := r.db.SelectContext(ctx, &rows, `
		SELECT consumer_id, mail_id, attempts, last_time, next_time, created_at
		  FROM dispatch
		 WHERE consumer_id = $1 AND next_time <= $2
		 ORDER BY next_time ASC
	`, consumerID, at)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DispatchesRepositoryImpl) PullDue(ctx context.Context, consumerID int64, at time.Time, redeliverAfter time.Duration) ([]model.Dispatch, error) {
	if redeliverAfter <= 0 {
		return nil, model.ErrBackoffTooSmall
	}
	var rows []model.Dispatch
	err := r.db.SelectContext(ctx, &rows, `
		WITH claimed AS (
			UPDATE dispatch
			   SET last_time = $2,
			       next_time = $3
			 WHERE consumer_id = $1 AND next_time <= $2
			RETURNING consumer_id, mail_id, attempts, last_time, next_time, created_at
		)
		SELECT consumer_id, mail_id, attempts, last_time, next_time, created_at
		  FROM claimed
		 ORDER BY created_at ASC
	`, consumerID, at, at.Add(redeliverAfter))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DispatchesRepositoryImpl) RecordSuccess(ctx context.Context, consumerID int64, mailID string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM dispatch
		 WHERE consumer_id = $1 AND mail_id = $2
	`, consumerID, mailID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrDispatchNotFound
	}
	return nil
}

func (r *DispatchesRepositoryImpl) RecordFailure(ctx context.Context, consumerID int64, mailID string, attemptedAt time.Time, backoff time.Duration) error {
	if backoff <= 0 {
		return model.ErrBackoffTooSmall
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch
		   SET last_time = $3,
		       next_time = $4,
		       attempts  = attempts + 1
		 WHERE consumer_id = $1 AND mail_id = $2
	`, consumerID, mailID, attemptedAt, attemptedAt.Add(backoff))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			// retry-order CHECK tripped; surface, never coerce
			return model.ErrBackoffTooSmall
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrDispatchNotFound
	}
	return nil
}

func (r *DispatchesRepositoryImpl) DeleteForConsumer(ctx context.Context, consumerID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM dispatch
		 WHERE consumer_id = $1
	`, consumerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// mapReferenceError turns dispatch foreign-key violations into the
// not-found sentinels so callers can tell a bad reference from a storage
// failure.
func mapReferenceError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23503" {
		return err
	}
	switch pqErr.Constraint {
	case "dispatch_consumer_id_fkey":
		return fmt.Errorf("enqueue: %w", model.ErrConsumerNotFound)
	case "dispatch_mail_id_fkey":
		return fmt.Errorf("enqueue: %w", model.ErrMailNotFound)
	}
	return err
}
