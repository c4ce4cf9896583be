package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	DBTxKey        contextKey = "db_tx"
	afterCommitKey contextKey = "db_after_commit"
)

type commitHooks struct {
	fns []func()
}

// AfterCommit defers fn until the transaction carried by ctx commits. It is
// dropped on rollback. Without a transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if hooks, ok := ctx.Value(afterCommitKey).(*commitHooks); ok && TxFromContext(ctx) != nil {
		hooks.fns = append(hooks.fns, fn)
		return
	}
	fn()
}

// TxFromContext returns the transaction opened by TxRunner.InTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Transactor runs fn inside a database transaction. Repositories pick the
// transaction up from the context passed to fn.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxRunner is the pgx implementation of Transactor.
type TxRunner struct {
	pool *pgxpool.Pool
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// InTx begins a read-committed transaction, commits when fn returns nil and
// rolls back otherwise. A call nested inside another InTx joins the outer
// transaction.
func (r *TxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	if r.pool == nil {
		return fmt.Errorf("no database pool configured")
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	hooks := &commitHooks{}
	txCtx := context.WithValue(context.WithValue(ctx, DBTxKey, tx), afterCommitKey, hooks)
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, h := range hooks.fns {
		h()
	}
	return nil
}

// Savepoint runs fn in a nested transaction when ctx already carries one, so
// a failed statement inside fn does not poison the outer transaction.
// Without an outer transaction fn runs as-is.
func Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := TxFromContext(ctx)
	if tx == nil {
		return fn(ctx)
	}
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	hooks, _ := ctx.Value(afterCommitKey).(*commitHooks)
	mark := 0
	if hooks != nil {
		mark = len(hooks.fns)
	}
	if err := fn(context.WithValue(ctx, DBTxKey, sp)); err != nil {
		_ = sp.Rollback(ctx)
		if hooks != nil {
			hooks.fns = hooks.fns[:mark]
		}
		return err
	}
	return sp.Commit(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique_violation,
// optionally restricted to the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
