package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/stripe/pg-schema-deploy/internal/util"
)

const (
	// maxLockAttempts bounds how many times a single object is applied when it keeps hitting deadlocks or lock
	// timeouts
	maxLockAttempts = 10
	// defaultMaxLockRetryBackoff is the upper bound of the random sleep between attempts
	defaultMaxLockRetryBackoff = 5 * time.Second
)

// ApplyWithVersionGate applies obj unless the version history says its version is already current. Procedures and
// functions are always re-issued, but their history is only written when the declared version is new
func ApplyWithVersionGate(ctx context.Context, obj SchemaObject, adapter SchemaAdapter, history VersionHistory) error {
	id := obj.Identity()
	alreadyApplied := !history.Applies(id.Schema, id.Kind, id.Name, obj.Version())
	if alreadyApplied && !id.Kind.IsRoutine() {
		return nil
	}

	priorVersion := history.GetVersion(id.Schema, id.Kind, id.Name)
	if err := obj.ApplyVersioned(ctx, priorVersion, adapter); err != nil {
		return err
	}
	if alreadyApplied {
		return nil
	}
	if err := history.AddVersion(ctx, id.Schema, id.Kind, id.Name, obj.Version()); err != nil {
		return fmt.Errorf("recording version %d: %w", obj.Version(), err)
	}
	return nil
}

type retryPolicy struct {
	maxAttempts int
	maxBackoff  time.Duration
}

// applyInTransaction runs ApplyWithVersionGate in its own transaction. Lock errors roll the transaction back and are
// retried after a random sleep; any other error rolls back and is returned immediately
func applyInTransaction(
	ctx context.Context,
	obj SchemaObject,
	adapter SchemaAdapter,
	txProvider TransactionProvider,
	history VersionHistory,
	policy retryPolicy,
) error {
	logger := loggerFrom(ctx)
	// Each retry loop owns its generator, so concurrent loops neither contend nor sleep in lockstep
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	attemptsLeft := policy.maxAttempts
	for {
		err := runInTransaction(ctx, txProvider, func(txCtx context.Context) error {
			return ApplyWithVersionGate(txCtx, obj, adapter, history)
		})
		if err == nil {
			return nil
		}

		var lockErr *LockError
		if !errors.As(err, &lockErr) {
			return err
		}
		attemptsLeft--
		if attemptsLeft <= 0 {
			return fmt.Errorf("giving up after %d attempts: %w", policy.maxAttempts, err)
		}
		if lockErr.Deadlock {
			logger.Warnf("deadlock while applying %s, retrying (remaining attempts: %d)", obj.TaskID(), attemptsLeft)
		} else {
			logger.Warnf("lock timeout while applying %s, retrying (remaining attempts: %d)", obj.TaskID(), attemptsLeft)
		}

		if policy.maxBackoff > 0 {
			if err := sleep(ctx, time.Duration(rng.Int63n(int64(policy.maxBackoff)))); err != nil {
				return err
			}
		}
	}
}

// runInTransaction opens a transaction, runs fn with the transaction's context and closes it. The transaction is
// marked rollback-only if fn fails or panics
func runInTransaction(ctx context.Context, txProvider TransactionProvider, fn func(txCtx context.Context) error) (retErr error) {
	txCtx, tx, err := txProvider.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	defer func() {
		closeErr := tx.Close()
		switch {
		case closeErr == nil:
		case retErr == nil:
			retErr = fmt.Errorf("committing transaction: %w", closeErr)
		default:
			loggerFrom(ctx).Errorf("rolling back transaction: %s", closeErr)
		}
	}()
	defer util.DoOnErrOrPanic(&retErr, tx.SetRollbackOnly)

	return fn(txCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
