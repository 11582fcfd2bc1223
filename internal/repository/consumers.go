package repository

import (
	"context"
	"database/sql"

	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmoiron/sqlx"
)

// ConsumersRepository is the registry of delivery targets.
type ConsumersRepository interface {
	Create(ctx context.Context, name string, endpoint *string) (int64, error)
	Get(ctx context.Context, id int64) (*model.Consumer, error)
	List(ctx context.Context) ([]model.Consumer, error)
	// Delete removes the consumer; the dispatch cascade happens at the
	// storage layer. Returns ErrConsumerNotFound when no row was deleted.
	Delete(ctx context.Context, id int64) error
}

type ConsumersRepositoryImpl struct {
	db *sqlx.DB
}

func NewConsumersRepository(db *sqlx.DB) *ConsumersRepositoryImpl {
	return &ConsumersRepositoryImpl{db: db}
}

var _ ConsumersRepository = (*ConsumersRepositoryImpl)(nil)

func (r *ConsumersRepositoryImpl) Create(ctx context.Context, name string, endpoint *string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `
		INSERT INTO consumer (name, endpoint)
		VALUES ($1, $2)
		RETURNING id
	`, name, endpoint)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *ConsumersRepositoryImpl) Get(ctx context.Context, id int64) (*model.Consumer, error) {
	var c model.Consumer
	err := r.db.GetContext(ctx, &c, `
		SELECT id, name, endpoint, created_at
		  FROM consumer
		 WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return nil, model.ErrConsumerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConsumersRepositoryImpl) List(ctx context.Context) ([]model.Consumer, error) {
	var rows []model.Consumer
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, name, endpoint, created_at
		  FROM consumer
		 ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ConsumersRepositoryImpl) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM consumer
		 WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrConsumerNotFound
	}
	return nil
}
