package lock

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// lockClass namespaces our advisory locks away from other users of the
// same database.
const lockClass = 0x6d61 // "ma"

// lockKey derives the single 64-bit advisory-lock key for a consumer. The
// class sits in the top 16 bits; the consumer id fills the rest, so two
// ids never share a key (the two-int32 lock form would truncate the
// BIGINT id and let ids equal mod 2^32 contend spuriously).
func lockKey(consumerID int64) int64 {
	return int64(lockClass)<<48 ^ consumerID
}

// PGLocker implements Locker with postgres advisory locks. Session locks
// are tied to a connection, so each acquisition pins a dedicated conn from
// the pool until release.
type PGLocker struct {
	db *sqlx.DB
}

func NewPGLocker(db *sqlx.DB) *PGLocker {
	return &PGLocker{db: db}
}

var _ Locker = (*PGLocker)(nil)

func (l *PGLocker) TryAcquire(ctx context.Context, consumerID int64) (Release, bool, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, false, err
	}

	key := lockKey(consumerID)

	var acquired bool
	err = conn.QueryRowxContext(ctx,
		`SELECT pg_try_advisory_lock($1)`, key,
	).Scan(&acquired)
	if err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		defer conn.Close()
		_, err := conn.ExecContext(ctx,
			`SELECT pg_advisory_unlock($1)`, key)
		return err
	}
	return release, true, nil
}
