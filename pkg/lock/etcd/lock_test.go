//go:build integration

package etcd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v3 "go.etcd.io/etcd/client/v3"
)

const (
	etcdImageName         = "quay.io/coreos/etcd"
	etcdImageTag          = "v3.5.13"
	etcdContainerAutoKill = 120 * time.Second
)

func startEtcd(t *testing.T) *v3.Client {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: etcdImageName,
		Tag:        etcdImageTag,
		Env: []string{
			"ALLOW_NONE_AUTHENTICATION=true",
			"ETCD_LISTEN_CLIENT_URLS=http://0.0.0.0:2379",
			"ETCD_ADVERTISE_CLIENT_URLS=http://0.0.0.0:2379",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	_ = resource.Expire(uint(etcdContainerAutoKill.Seconds()))
	t.Cleanup(func() { _ = pool.Purge(resource) })

	client, err := v3.New(v3.Config{
		Endpoints: []string{fmt.Sprintf("localhost:%s", resource.GetPort("2379/tcp"))},
	})
	require.NoError(t, err)

	require.NoError(t, pool.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := client.Get(ctx, "__startup_test")
		return err
	}))

	return client
}

func TestLock_SingleHolderAcrossManagers(t *testing.T) {
	ctx := context.Background()
	client := startEtcd(t)

	first, err := NewLockManager(client, "/payments-engine/locks", 5*time.Second, "replica-1")
	require.NoError(t, err)
	defer first.Close()

	second, err := NewLockManager(client, "/payments-engine/locks", 5*time.Second, "replica-2")
	require.NoError(t, err)
	defer second.Close()

	firstLock, err := first.Create(ctx, "reconciler")
	require.NoError(t, err)
	secondLock, err := second.Create(ctx, "reconciler")
	require.NoError(t, err)

	lostCh, err := firstLock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, firstLock.IsLocked())

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = secondLock.Acquire(timeoutCtx)
	assert.Error(t, err)
	assert.False(t, secondLock.IsLocked())

	require.NoError(t, firstLock.Unlock(ctx))
	require.NoError(t, firstLock.Unlock(ctx))

	select {
	case <-lostCh:
	case <-time.After(5 * time.Second):
		t.Fatal("lost channel not closed after unlock")
	}

	_, err = secondLock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, secondLock.IsLocked())
}

func TestLock_ManagerClose(t *testing.T) {
	ctx := context.Background()
	client := startEtcd(t)

	manager, err := NewLockManager(client, "/payments-engine/locks", 5*time.Second, "replica")
	require.NoError(t, err)

	l, err := manager.Create(ctx, "reconciler")
	require.NoError(t, err)

	lostCh, err := l.Acquire(ctx)
	require.NoError(t, err)

	manager.Close()

	select {
	case <-lostCh:
	case <-time.After(5 * time.Second):
		t.Fatal("lost channel not closed after manager close")
	}

	_, err = manager.Create(ctx, "reconciler")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestLockManager_InvalidTTL(t *testing.T) {
	_, err := NewLockManager(nil, "/locks", 100*time.Millisecond, "replica")
	assert.Error(t, err)
}
