package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// MailRepository is the archive store: append-only mail plus attachments.
type MailRepository interface {
	// Insert writes the mail and its attachments. If tx is nil, it will
	// open/commit an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, m model.Mail, attachments []model.Attachment) error
	// Get returns the mail row without attachments.
	Get(ctx context.Context, id string) (*model.Mail, error)
	// GetForConsumer returns the mail only if the consumer has a dispatch
	// row for it (the consumer-scoped view served over HTTP).
	GetForConsumer(ctx context.Context, consumerID int64, id string) (*model.Mail, error)
	// Attachments returns the mail's attachments ordered by number, without
	// payload bytes.
	Attachments(ctx context.Context, mailID string) ([]model.Attachment, error)
	// Attachment returns one attachment with its payload.
	Attachment(ctx context.Context, consumerID int64, mailID string, number int) (*model.Attachment, error)
}

type MailRepositoryImpl struct {
	db *sqlx.DB
}

func NewMailRepository(db *sqlx.DB) *MailRepositoryImpl {
	return &MailRepositoryImpl{db: db}
}

var _ MailRepository = (*MailRepositoryImpl)(nil)

func (r *MailRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *MailRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, m model.Mail, attachments []model.Attachment) error {
	const qMail = `
		INSERT INTO mail (id, date, text, data)
		VALUES ($1, $2, $3, $4)
	`
	const qAtt = `
		INSERT INTO attachment (mail_id, number, name, type, code, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, qMail, m.ID, m.Date, m.Text, m.Data); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("mail %s: %w", m.ID, model.ErrDuplicateMail)
			}
			return err
		}
		for _, a := range attachments {
			if _, err := tx.ExecContext(ctx, qAtt, m.ID, a.Number, a.Name, a.Type, a.Code, a.Data); err != nil {
				return fmt.Errorf("insert attachment %d: %w", a.Number, err)
			}
		}
		return nil
	})
}

func (r *MailRepositoryImpl) Get(ctx context.Context, id string) (*model.Mail, error) {
	var m model.Mail
	err := r.db.GetContext(ctx, &m, `
		SELECT id, date, text, data
		  FROM mail
		 WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, model.ErrMailNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MailRepositoryImpl) GetForConsumer(ctx context.Context, consumerID int64, id string) (*model.Mail, error) {
	var m model.Mail
	err := r.db.GetContext(ctx, &m, `
		SELECT m.id, m.date, m.text, m.data
		  FROM mail m
		  JOIN dispatch d ON d.mail_id = m.id
		 WHERE d.consumer_id = $1 AND m.id = $2
	`, consumerID, id)
	if err == sql.ErrNoRows {
		return nil, model.ErrMailNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MailRepositoryImpl) Attachments(ctx context.Context, mailID string) ([]model.Attachment, error) {
	var rows []model.Attachment
	err := r.db.SelectContext(ctx, &rows, `
		SELECT mail_id, number, name, type, code, ''::bytea AS data
		  FROM attachment
		 WHERE mail_id = $1
		 ORDER BY number ASC
	`, mailID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MailRepositoryImpl) Attachment(ctx context.Context, consumerID int64, mailID string, number int) (*model.Attachment, error) {
	var a model.Attachment
	err := r.db.GetContext(ctx, &a, `
		SELECT a.mail_id, a.number, a.name, a.type, a.code, a.data
		  FROM attachment a
		  JOIN dispatch d ON d.mail_id = a.mail_id
		 WHERE d.consumer_id = $1 AND a.mail_id = $2 AND a.number = $3
	`, consumerID, mailID, number)
	if err == sql.ErrNoRows {
		return nil, model.ErrMailNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
