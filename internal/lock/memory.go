package lock

import (
	"context"
	"sync"
)

// MemoryLocker is a process-local Locker for single-node deployments and
// tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]bool)}
}

var _ Locker = (*MemoryLocker)(nil)

func (l *MemoryLocker) TryAcquire(_ context.Context, consumerID int64) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[consumerID] {
		return nil, false, nil
	}
	l.held[consumerID] = true

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, consumerID)
		return nil
	}
	return release, true, nil
}
