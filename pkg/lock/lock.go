package lock

import (
	"context"
)

// Manager hands out named locks. Locks for the same name from one Manager
// share ownership, so callers coordinate concurrency within a process
// themselves.
type Manager interface {
	// Create returns an unlocked handle for name
	Create(ctx context.Context, name string) (DistributedLock, error)
}

// DistributedLock is mutual exclusion across processes
type DistributedLock interface {
	// Acquire blocks until the lock is held. The returned channel closes once
	// the lock is lost, whether through ctx, Unlock, or the backend suspecting
	// it may no longer be held.
	Acquire(ctx context.Context) (<-chan struct{}, error)

	// Unlock releases the lock if held. Calling it again is a no-op.
	Unlock(ctx context.Context) error

	IsLocked() bool
}

// RunWhileHeld blocks until l is acquired, then runs fn with a context that
// is cancelled as soon as the lock is lost. The lock is released when fn
// returns. Errors from fn are returned as is.
func RunWhileHeld(ctx context.Context, l DistributedLock, fn func(ctx context.Context) error) error {
	lostCh, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Unlock(context.Background())

	heldCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-lostCh:
			cancel()
		case <-heldCtx.Done():
		}
	}()

	return fn(heldCtx)
}
