// Package txn provides transactions over a *sql.DB that travel in a context.Context. Code running inside a
// transaction reaches it through Queryable, so collaborators never need to be handed a *sql.Tx explicitly.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/pg-schema-deploy/pkg/model"
	"github.com/stripe/pg-schema-deploy/pkg/sqldb"
)

var (
	ErrNestedTransaction = errors.New("a transaction is already open in this context")
	ErrClosed            = errors.New("transaction already closed")
)

type (
	providerOptions struct {
		lockTimeout time.Duration
		isolation   sql.IsolationLevel
	}

	ProviderOpt func(*providerOptions)
)

// WithLockTimeout sets lock_timeout for every transaction opened by the provider. Statements waiting on a lock
// longer than this fail with a lock-timeout error, which callers may retry
func WithLockTimeout(d time.Duration) ProviderOpt {
	return func(opts *providerOptions) {
		opts.lockTimeout = d
	}
}

func WithIsolationLevel(level sql.IsolationLevel) ProviderOpt {
	return func(opts *providerOptions) {
		opts.isolation = level
	}
}

// Provider is a model.TransactionProvider backed by a *sql.DB
type Provider struct {
	db      *sql.DB
	options providerOptions
}

var _ model.TransactionProvider = (*Provider)(nil)

func NewProvider(db *sql.DB, opts ...ProviderOpt) *Provider {
	var options providerOptions
	for _, opt := range opts {
		opt(&options)
	}
	return &Provider{db: db, options: options}
}

// Open begins a transaction and returns a context carrying it. Transactions are not reentrant: opening one from a
// context that already carries an open transaction fails
func (p *Provider) Open(ctx context.Context) (context.Context, model.Transaction, error) {
	if tx, ok := FromContext(ctx); ok && !tx.closed {
		return nil, nil, ErrNestedTransaction
	}

	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: p.options.isolation})
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	if p.options.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.options.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			_ = sqlTx.Rollback()
			return nil, nil, fmt.Errorf("setting lock timeout: %w", err)
		}
	}

	tx := &Tx{tx: sqlTx}
	return context.WithValue(ctx, txCtxKey{}, tx), tx, nil
}

// Tx commits on Close unless SetRollbackOnly was called
type Tx struct {
	tx           *sql.Tx
	rollbackOnly bool
	closed       bool
	afterCommit  []func() error
}

var _ model.Transaction = (*Tx)(nil)

func (t *Tx) SetRollbackOnly() {
	t.rollbackOnly = true
}

func (t *Tx) RollbackOnly() bool {
	return t.rollbackOnly
}

// Close commits the transaction, or rolls it back if it was marked rollback-only. After-commit hooks run, in
// registration order, only once a commit succeeded. Their errors are joined and returned
func (t *Tx) Close() error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true

	if t.rollbackOnly {
		if err := t.tx.Rollback(); err != nil {
			return fmt.Errorf("rolling back: %w", err)
		}
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	var errs []error
	for _, fn := range t.afterCommit {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("after commit: %w", errors.Join(errs...))
	}
	return nil
}

type txCtxKey struct{}

// FromContext returns the transaction carried by ctx, if any
func FromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(*Tx)
	return tx, ok
}

// Queryable returns the open transaction carried by ctx, or fallback if there is none
func Queryable(ctx context.Context, fallback sqldb.Queryable) sqldb.Queryable {
	if tx, ok := FromContext(ctx); ok && !tx.closed {
		return tx.tx
	}
	return fallback
}

// AfterCommit registers fn to run once the transaction carried by ctx commits. fn never runs if the transaction
// rolls back. Without an open transaction, fn runs immediately
func AfterCommit(ctx context.Context, fn func()) {
	_ = OnCommit(ctx, func() error {
		fn()
		return nil
	})
}

// OnCommit is AfterCommit for work that can fail, such as statements that cannot run inside a transaction block.
// Errors of deferred work are returned by the transaction's Close. Without an open transaction, fn runs immediately
// and its error is returned
func OnCommit(ctx context.Context, fn func() error) error {
	if tx, ok := FromContext(ctx); ok && !tx.closed {
		tx.afterCommit = append(tx.afterCommit, fn)
		return nil
	}
	return fn()
}
