package pgadapter

import (
	"errors"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/stripe/pg-schema-deploy/pkg/model"
)

const (
	sqlStateDeadlockDetected  = "40P01"
	sqlStateLockNotAvailable  = "55P03"
	sqlStateUndefinedTable    = "42P01"
	sqlStateUndefinedObject   = "42704"
	sqlStateUndefinedFunction = "42883"
	sqlStateInvalidSchemaName = "3F000"
)

// sqlState extracts the SQLSTATE from errors raised by either the pgx or the lib/pq driver
func sqlState(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), true
	}
	return "", false
}

// translateError maps driver errors onto the model's error taxonomy. name is the object the statement targeted
func translateError(err error, name string) error {
	if err == nil {
		return nil
	}
	state, ok := sqlState(err)
	if !ok {
		return err
	}
	switch state {
	case sqlStateDeadlockDetected:
		return &model.LockError{Deadlock: true, Err: err}
	case sqlStateLockNotAvailable:
		return &model.LockError{Deadlock: false, Err: err}
	case sqlStateUndefinedTable, sqlStateUndefinedObject, sqlStateUndefinedFunction, sqlStateInvalidSchemaName:
		return &model.UndefinedNameError{Name: name, Err: err}
	default:
		return err
	}
}
