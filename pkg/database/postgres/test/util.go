package test

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/v4/stdlib" //nolint:revive

	"github.com/code-payments/payments-engine/pkg/retry"
	"github.com/code-payments/payments-engine/pkg/retry/backoff"
)

const (
	image         = "postgres"
	imageTag      = "15.4"
	containerTtl  = 2 * time.Minute
	readyAttempts = 50
	readyInterval = 500 * time.Millisecond

	port     = 5432
	user     = "localtest"
	password = "localpassword"
	dbname   = "testdb"
)

// StartPostgresDB runs a throwaway postgres container and returns a pool
// connected to it once the server accepts connections. closeFunc closes the
// pool and removes the container. The container expires on its own should
// the test binary die before calling closeFunc.
func StartPostgresDB(pool *dockertest.Pool) (db *sql.DB, closeFunc func(), err error) {
	closeFunc = func() {}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: image,
		Tag:        imageTag,
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbname,
		},
	}, func(hostConfig *docker.HostConfig) {
		hostConfig.AutoRemove = true
		hostConfig.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, closeFunc, errors.Wrap(err, "error starting postgres container")
	}
	_ = resource.Expire(uint(containerTtl.Seconds()))

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=disable",
		user, password, resource.GetHostPort(fmt.Sprintf("%d/tcp", port)), dbname,
	)

	db, err = sql.Open("pgx", dsn)
	if err != nil {
		_ = pool.Purge(resource)
		return nil, closeFunc, errors.Wrap(err, "error opening postgres pool")
	}

	_, err = retry.Retry(
		db.Ping,
		retry.Limit(readyAttempts),
		retry.Backoff(backoff.Constant(readyInterval), readyInterval),
	)
	if err != nil {
		db.Close()
		_ = pool.Purge(resource)
		return nil, closeFunc, errors.Wrap(err, "postgres container never became ready")
	}

	closeFunc = func() {
		db.Close()
		_ = pool.Purge(resource)
	}
	return db, closeFunc, nil
}

// ExecStatements runs each statement in order, stopping on the first failure.
// Stores use it to create and destroy their tables around a test run.
func ExecStatements(db *sql.DB, statements ...string) error {
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			return errors.Wrapf(err, "error executing statement: %s", statement)
		}
	}
	return nil
}
