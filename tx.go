package walletxgo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// LockID keys the advisory lock taken before a usecase's transaction. One key
// per operation class: two concurrent transfers serialize against each other
// even when they touch disjoint wallet pairs. Coarse on purpose; the
// correctness argument for the balance sufficiency check depends on it.
type LockID int64

const (
	LockCreateAccount LockID = iota + 1
	LockGetByWalletID
	LockCreateWallet
	LockEnroll
	LockTransfer
)

// TxManager runs a closure inside an advisory-locked serializable
// transaction. The closure's error is returned as-is so callers can match on
// it after rollback.
type TxManager interface {
	WithLock(ctx context.Context, id LockID, fn func(tx pgx.Tx) error) error
}

type PgTxManager struct {
	pool     *pgxpool.Pool
	lockWait int // milliseconds, 0 means block indefinitely
	log      *zerolog.Logger
}

var (
	_ TxManager = (*PgTxManager)(nil)
)

func NewPgTxManager(pool *pgxpool.Pool, lockWaitMillis int, log *zerolog.Logger) *PgTxManager {
	return &PgTxManager{
		pool:     pool,
		lockWait: lockWaitMillis,
		log:      log,
	}
}

// WithLock blocks on pg_advisory_lock(id) up to the configured wait, then
// opens a SERIALIZABLE transaction on the same session and runs fn in it.
// Commit happens only when fn returns nil; the lock is released on every exit
// path, cancellation included.
func (tm *PgTxManager) WithLock(ctx context.Context, id LockID, fn func(tx pgx.Tx) error) error {
	conn, err := tm.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer conn.Release()

	// lock_timeout covers the pg_advisory_lock wait; scoped to this
	// session and reset before the conn goes back to the pool.
	setTimeout := "SET lock_timeout = " + strconv.Itoa(tm.lockWait)
	if _, err = conn.Exec(ctx, setTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if _, err = conn.Exec(ctx, "SELECT pg_advisory_lock($1)", int64(id)); err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && pgerr.Code == pgLockNotAvailable {
			return ErrLockTimeout
		}
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer func() {
		// Release must survive caller cancellation or the session keeps
		// the class locked until the conn dies.
		ulctx := context.WithoutCancel(ctx)
		if _, uerr := conn.Exec(ulctx, "SELECT pg_advisory_unlock($1)", int64(id)); uerr != nil {
			tm.log.Err(uerr).Int64("lock_id", int64(id)).Msg("advisory unlock failed")
		}
		if _, rerr := conn.Exec(ulctx, "SET lock_timeout = DEFAULT"); rerr != nil {
			tm.log.Err(rerr).Msg("lock_timeout reset failed")
		}
	}()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err = fn(tx); err != nil {
		rbctx := context.WithoutCancel(ctx)
		if rberr := tx.Rollback(rbctx); rberr != nil && !errors.Is(rberr, pgx.ErrTxClosed) {
			tm.log.Err(rberr).Int64("lock_id", int64(id)).Msg("transaction rollback failed")
		}
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

const pgLockNotAvailable = "55P03"
