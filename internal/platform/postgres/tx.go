package postgres

import (
	"context"
	"database/sql"
	"time"

	dErrors "consentd/pkg/domain-errors"
	"consentd/pkg/platform/sentinel"
	txcontext "consentd/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// TxRunner runs fn inside one database transaction carried through ctx, so
// the artifact store and the audit store commit or roll back together.
type TxRunner struct {
	db      *sql.DB
	timeout time.Duration
}

func NewTxRunner(db *sql.DB, timeout time.Duration) *TxRunner {
	return &TxRunner{db: db, timeout: timeout}
}

func (t *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return sentinel.Unavailable(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return sentinel.Unavailable(err)
	}
	return nil
}
