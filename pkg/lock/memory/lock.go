package memory

import (
	"context"
	"sync"

	"github.com/code-payments/payments-engine/pkg/lock"
)

// LockManager is an in-process lock.Manager. Locks are shared across every
// Manager created with the same Registry, which lets tests model multiple
// processes competing for one lock.
type LockManager struct {
	registry *Registry
}

// Registry holds the lock state shared by a set of LockManagers
type Registry struct {
	mu    sync.Mutex
	locks map[string]*heldLock
}

type heldLock struct {
	owner  *LockManager
	lostCh chan struct{}
	freeCh chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		locks: make(map[string]*heldLock),
	}
}

// NewLockManager returns a lock manager backed by a private registry
func NewLockManager() *LockManager {
	return NewRegistry().NewLockManager()
}

func (r *Registry) NewLockManager() *LockManager {
	return &LockManager{registry: r}
}

// Create implements lock.Manager.Create
func (m *LockManager) Create(_ context.Context, name string) (lock.DistributedLock, error) {
	return &Lock{manager: m, name: name}, nil
}

// Lock implements lock.DistributedLock in memory
type Lock struct {
	manager *LockManager
	name    string
}

// Acquire implements lock.DistributedLock.Acquire
func (l *Lock) Acquire(ctx context.Context) (<-chan struct{}, error) {
	r := l.manager.registry

	for {
		r.mu.Lock()
		current, ok := r.locks[l.name]
		if !ok {
			held := &heldLock{
				owner:  l.manager,
				lostCh: make(chan struct{}),
				freeCh: make(chan struct{}),
			}
			r.locks[l.name] = held
			r.mu.Unlock()
			return held.lostCh, nil
		}
		if current.owner == l.manager {
			r.mu.Unlock()
			return current.lostCh, nil
		}
		freeCh := current.freeCh
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-freeCh:
		}
	}
}

// Unlock implements lock.DistributedLock.Unlock
func (l *Lock) Unlock(_ context.Context) error {
	r := l.manager.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.locks[l.name]
	if !ok || current.owner != l.manager {
		return nil
	}

	delete(r.locks, l.name)
	close(current.lostCh)
	close(current.freeCh)
	return nil
}

// IsLocked implements lock.DistributedLock.IsLocked
func (l *Lock) IsLocked() bool {
	r := l.manager.registry

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.locks[l.name]
	return ok && current.owner == l.manager
}
