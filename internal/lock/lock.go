// Package lock provides the per-consumer advisory lock that keeps two
// scheduler instances from processing the same consumer's queue at once.
// The lock is held for the duration of a processing burst only, never
// across the idle wait.
package lock

import "context"

// Locker is a try-lock keyed by consumer id. TryAcquire returns false
// without blocking when another holder has the key; that is a no-op for
// the caller, not an error.
type Locker interface {
	TryAcquire(ctx context.Context, consumerID int64) (Release, bool, error)
}

// Release frees the lock. Safe to call once; always called from the same
// goroutine that acquired.
type Release func(ctx context.Context) error
