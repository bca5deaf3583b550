package db

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"coinledger/internal/metrics"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrRetryLimit is returned when a transaction keeps conflicting after every attempt.
var ErrRetryLimit = errors.New("transaction retry limit exceeded")

const maxAttempts = 5

// TxRunner runs fn inside one serializable transaction. Every money-moving
// operation in the engine goes through it, so a wallet row lock taken inside fn
// is held until commit or rollback.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

type SQLXTxRunner struct {
	db *sqlx.DB
}

func NewTxRunner(db *sqlx.DB) SQLXTxRunner {
	return SQLXTxRunner{db: db}
}

func (r SQLXTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return WithTx(ctx, r.db, fn)
}

func Connect(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// WithTx retries fn on serialization failures (40001) and deadlocks (40P01).
// fn must not perform external I/O: it can run more than once.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if code, ok := retryableCode(err); ok && attempt < maxAttempts {
				if err := backoff(ctx, attempt, code); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if code, ok := retryableCode(err); ok && attempt < maxAttempts {
				if err := backoff(ctx, attempt, code); err != nil {
					return err
				}
				continue
			}
			if _, ok := retryableCode(err); ok {
				return ErrRetryLimit
			}
			return err
		}
		return nil
	}
	return ErrRetryLimit
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func retryableCode(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", false
	}
	code := string(pqErr.Code)
	return code, code == "40001" || code == "40P01"
}

func backoff(ctx context.Context, attempt int, code string) error {
	metrics.TxRetries.WithLabelValues(code).Inc()
	base := 20 * time.Millisecond
	wait := time.Duration(attempt*attempt)*base + time.Duration(rand.Int63n(int64(10*time.Millisecond)))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
