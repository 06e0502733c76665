package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/internal/backoff"
	"github.com/teranos/groupcast/logger"
)

// Querier is the subset of *sql.Conn and *sql.Tx the stores use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Pool hands out scoped connections and transactions. When SQLite reports
// the database busy or locked, the whole scope is retried with backoff.
// Nothing is held between scopes, so callers must not make network calls
// inside one.
type Pool struct {
	db           *sql.DB
	policy       backoff.Policy
	logger       *zap.SugaredLogger
	onContention func(attempts int)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRetryPolicy overrides the busy-retry policy (default: backoff.Default()).
func WithRetryPolicy(p backoff.Policy) PoolOption {
	return func(pool *Pool) { pool.policy = p }
}

// WithPoolLogger sets the logger for retry and contention events.
func WithPoolLogger(l *zap.SugaredLogger) PoolOption {
	return func(pool *Pool) {
		if l != nil {
			pool.logger = logger.AddDBSymbol(l)
		}
	}
}

// WithContentionHook is called every time a scope fails with ErrStoreContention.
func WithContentionHook(fn func(attempts int)) PoolOption {
	return func(pool *Pool) { pool.onContention = fn }
}

// NewPool wraps db.
func NewPool(db *sql.DB, opts ...PoolOption) *Pool {
	p := &Pool{
		db:     db,
		policy: backoff.Default(),
		logger: logger.AddDBSymbol(logger.Logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DB returns the underlying handle.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// WithConn runs fn on a dedicated connection that is released on every exit
// path, including panics.
func (p *Pool) WithConn(ctx context.Context, fn func(q Querier) error) error {
	return p.retry(ctx, "conn", func() error {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			return errors.Wrap(err, "acquire connection")
		}
		defer conn.Close()
		return fn(conn)
	})
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including when fn panics.
func (p *Pool) WithTx(ctx context.Context, fn func(q Querier) error) error {
	return p.retry(ctx, "tx", func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit transaction")
		}
		committed = true
		return nil
	})
}

func (p *Pool) retry(ctx context.Context, scope string, fn func() error) error {
	attempts, err := backoff.Retry(ctx, p.policy, IsBusy, func(attempt int) error {
		err := fn()
		if IsBusy(err) {
			p.logger.Debugw("Store busy, retrying",
				logger.FieldAttempt, attempt,
				"scope", scope,
				logger.FieldError, err.Error(),
			)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, backoff.ErrExhausted) {
		p.logger.Warnw("Store contention, giving up",
			"scope", scope,
			logger.FieldAttempt, attempts,
			logger.FieldError, err.Error(),
		)
		if p.onContention != nil {
			p.onContention(attempts)
		}
		return errors.Mark(errors.Wrapf(err, "store busy after %d attempts", attempts), ErrStoreContention)
	}
	return err
}
