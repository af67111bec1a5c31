package etcd

import (
	"context"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/code-payments/payments-engine/pkg/lock"
)

const sessionRetryDelay = time.Second

var (
	ErrManagerClosed     = errors.New("lock manager closed")
	ErrConcurrentAcquire = errors.New("cannot call Acquire concurrently")
)

// LockManager hands out etcd election backed locks sharing one lease session.
// Every engine replica runs its own manager, so at most one replica holds a
// given lock, such as the reconciler's leadership lock.
type LockManager struct {
	log *logrus.Entry

	client  *v3.Client
	rootKey string
	ttl     int
	holder  string

	closeOnce sync.Once
	closeCh   chan struct{}

	mu      sync.Mutex
	session *concurrency.Session
}

// NewLockManager returns a manager keeping locks under rootKey. holder
// identifies this replica in the lock's value and defaults to the hostname.
func NewLockManager(client *v3.Client, rootKey string, ttl time.Duration, holder string) (*LockManager, error) {
	// Lease TTLs outside of this range are silently replaced by a 60s default
	if ttl < time.Second || ttl > time.Minute {
		return nil, errors.Errorf("invalid lock ttl: %s (must be [1s, 60s])", ttl)
	}

	if len(holder) == 0 {
		holder, _ = os.Hostname()
	}

	lm := &LockManager{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "lock/etcd",
			"root": rootKey,
		}),
		client:  client,
		rootKey: rootKey,
		ttl:     int(ttl.Round(time.Second).Seconds()),
		holder:  holder,
		closeCh: make(chan struct{}),
	}

	session, err := lm.newSession()
	if err != nil {
		return nil, errors.Wrap(err, "error creating etcd session")
	}
	lm.session = session

	go lm.keepSessionAlive()

	return lm, nil
}

// Create implements lock.Manager.Create
func (lm *LockManager) Create(_ context.Context, name string) (lock.DistributedLock, error) {
	if lm.currentSession() == nil {
		return nil, ErrManagerClosed
	}
	return newLock(lm, path.Join(lm.rootKey, name)), nil
}

// Close releases the session, which unlocks every lock the manager holds
func (lm *LockManager) Close() {
	lm.closeOnce.Do(func() {
		close(lm.closeCh)

		lm.mu.Lock()
		session := lm.session
		lm.session = nil
		lm.mu.Unlock()

		if err := session.Close(); err != nil {
			lm.log.WithError(err).Warn("failure closing etcd session")
		}
	})
}

func (lm *LockManager) newSession() (*concurrency.Session, error) {
	if lm.client == nil {
		return nil, errors.New("etcd client is required")
	}

	return concurrency.NewSession(
		lm.client,
		concurrency.WithTTL(lm.ttl),
		concurrency.WithContext(v3.WithRequireLeader(context.Background())),
	)
}

func (lm *LockManager) currentSession() *concurrency.Session {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.session
}

// keepSessionAlive replaces the session whenever it ends, for example after
// the cluster loses its leader, until the manager is closed
func (lm *LockManager) keepSessionAlive() {
	for {
		session := lm.currentSession()
		if session == nil {
			return
		}

		select {
		case <-lm.closeCh:
			return
		case <-session.Done():
		}

		lm.log.Info("lock session expired, recreating")

		for {
			replacement, err := lm.newSession()
			if err == nil {
				lm.mu.Lock()
				closed := lm.session == nil
				if !closed {
					lm.session = replacement
				}
				lm.mu.Unlock()

				if closed {
					_ = replacement.Close()
					return
				}
				break
			}

			lm.log.WithError(err).Warn("failure recreating lock session")

			select {
			case <-lm.closeCh:
				return
			case <-time.After(sessionRetryDelay):
			}
		}
	}
}
