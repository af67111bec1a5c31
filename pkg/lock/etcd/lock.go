package etcd

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Lock is a lock.DistributedLock implemented as an etcd election with a
// single winner
type Lock struct {
	log *logrus.Entry
	lm  *LockManager
	key string

	mu       sync.Mutex
	election *concurrency.Election
}

func newLock(lm *LockManager, key string) *Lock {
	return &Lock{
		log: lm.log.WithField("key", key),
		lm:  lm,
		key: key,
	}
}

// Acquire implements lock.DistributedLock.Acquire
func (l *Lock) Acquire(ctx context.Context) (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.election != nil {
		return nil, ErrConcurrentAcquire
	}

	session := l.lm.currentSession()
	if session == nil {
		return nil, ErrManagerClosed
	}

	heldCtx, release := context.WithCancel(ctx)

	election := concurrency.NewElection(session, l.key)
	if err := election.Campaign(heldCtx, l.lm.holder); err != nil {
		release()
		return nil, errors.Wrap(err, "error campaigning for lock")
	}
	l.election = election

	l.log.Debug("lock acquired")

	watchCh := session.Client().Watch(
		v3.WithRequireLeader(heldCtx),
		election.Key(),
		v3.WithRev(election.Rev()),
	)

	lostCh := make(chan struct{})
	go func() {
		defer release()

		reason := l.watchHeld(session, election, watchCh)
		l.log.WithField("reason", reason).Debug("lock lost")

		// Signal the loss first, resigning blocks while the cluster is leaderless
		close(lostCh)

		l.mu.Lock()
		defer l.mu.Unlock()

		if l.election != election {
			return
		}
		if err := election.Resign(ctx); err != nil {
			l.log.WithError(err).Warn("failure resigning on lock cleanup")
		}
		l.election = nil
	}()

	return lostCh, nil
}

// watchHeld blocks until the election key is no longer ours, returning why
func (l *Lock) watchHeld(session *concurrency.Session, election *concurrency.Election, watchCh v3.WatchChan) string {
	for {
		select {
		case <-session.Done():
			return "session ended"

		case resp, ok := <-watchCh:
			if !ok {
				return "watch closed"
			}

			if err := resp.Err(); err != nil {
				l.log.WithError(err).Warn("failure watching lock key")
				return "watch failed"
			}

			for _, event := range resp.Events {
				switch event.Type {
				case mvccpb.DELETE:
					return "key deleted"
				case mvccpb.PUT:
					if event.Kv.CreateRevision != election.Rev() {
						return "key recreated"
					}
				}
			}
		}
	}
}

// Unlock implements lock.DistributedLock.Unlock
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.election == nil {
		return nil
	}

	err := l.election.Resign(ctx)
	l.election = nil
	return err
}

// IsLocked implements lock.DistributedLock.IsLocked
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.election != nil && len(l.election.Key()) > 0
}
