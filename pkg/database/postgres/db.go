package pg

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/code-payments/payments-engine/pkg/retry"
)

const maxSerializationRetries = 10

var (
	ErrAlreadyInTx           = errors.New("already executing in existing db tx")
	ErrNotInTx               = errors.New("not executing in existing db tx")
	ErrInsufficientIsolation = errors.New("existing db tx has insufficient isolation")
)

type txScopeKey struct{}

// txScope is the transaction carried on a context by ExecuteTxWithinCtx
type txScope struct {
	tx        *sqlx.Tx
	isolation sql.IsolationLevel
}

func withDefaultIsolation(isolation sql.IsolationLevel) sql.IsolationLevel {
	if isolation == sql.LevelDefault {
		return sql.LevelReadCommitted
	}
	return isolation
}

// ExecuteRetryable retries fn while Postgres reports serialization failures
func ExecuteRetryable(fn func() error) error {
	_, err := retry.Retry(
		fn,
		retry.RetriableWhen(IsSerializationFailure),
		retry.Limit(maxSerializationRetries),
	)
	return err
}

// ExecuteTxWithinCtx runs fn inside a new transaction that travels on the
// context passed to fn. Store calls made with that context join the
// transaction through ExecuteInTx. The transaction commits when fn succeeds
// and rolls back otherwise. Serialization failures restart the whole
// transaction, so fn must be safe to call more than once.
func ExecuteTxWithinCtx(ctx context.Context, db *sqlx.DB, isolation sql.IsolationLevel, fn func(context.Context) error) error {
	if ctx.Value(txScopeKey{}) != nil {
		return ErrAlreadyInTx
	}

	isolation = withDefaultIsolation(isolation)

	return ExecuteRetryable(func() error {
		tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: isolation})
		if err != nil {
			return err
		}

		scoped := context.WithValue(ctx, txScopeKey{}, &txScope{tx: tx, isolation: isolation})
		return finishTx(tx, fn(scoped))
	})
}

// ExecuteInTx runs a store operation against the transaction on ctx when one
// exists, and within its own short lived transaction when not. Commit and
// rollback belong to whoever started the transaction.
func ExecuteInTx(ctx context.Context, db *sqlx.DB, isolation sql.IsolationLevel, fn func(tx *sqlx.Tx) error) error {
	isolation = withDefaultIsolation(isolation)

	scope, err := scopeFromCtx(ctx)
	switch err {
	case nil:
		if scope.isolation < isolation {
			return ErrInsufficientIsolation
		}
		return fn(scope.tx)
	case ErrNotInTx:
	default:
		return err
	}

	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: isolation})
	if err != nil {
		return err
	}
	return finishTx(tx, fn(tx))
}

// finishTx commits tx when err is nil and rolls it back otherwise. A rollback
// is always issued on failure so the connection returns to the pool.
func finishTx(tx *sqlx.Tx, err error) error {
	if err == nil {
		return tx.Commit()
	}

	if rollbackErr := tx.Rollback(); rollbackErr != nil {
		return errors.Wrapf(rollbackErr, "error rolling back tx after %v", err)
	}
	return err
}

func scopeFromCtx(ctx context.Context) (*txScope, error) {
	val := ctx.Value(txScopeKey{})
	if val == nil {
		return nil, ErrNotInTx
	}

	scope, ok := val.(*txScope)
	if !ok {
		return nil, errors.Errorf("unexpected tx scope type %T", val)
	}
	return scope, nil
}
