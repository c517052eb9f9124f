package walletxgo

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	pgInsertAccountSQL = `
		INSERT INTO accounts (id, email)
		VALUES ($1, $2)
		RETURNING id;
	`

	pgSelectAccountByIDSQL = `
		SELECT a.id, a.email, w.id, w.balance, w.currency
		FROM accounts a
		LEFT JOIN wallets w ON w.owner_id = a.id
		WHERE a.id = $1;
	`

	pgSelectAccountByWalletSQL = `
		SELECT a.id, a.email, w.id, w.balance, w.currency
		FROM accounts a
		JOIN wallets w ON w.owner_id = a.id
		WHERE w.id = $1;
	`

	pgInsertWalletSQL = `
		INSERT INTO wallets (id, owner_id)
		VALUES ($1, $2)
		RETURNING id;
	`

	pgSelectWalletByIDSQL = `
		SELECT id, owner_id, balance, currency
		FROM wallets
		WHERE id = $1;
	`

	pgSelectWalletByOwnerSQL = `
		SELECT id, owner_id, balance, currency
		FROM wallets
		WHERE owner_id = $1;
	`

	pgEnrollWalletSQL = `
		UPDATE wallets
		SET balance = balance + $2
		WHERE id = $1
		RETURNING id;
	`

	pgSelectBalanceForUpdateSQL = `
		SELECT balance
		FROM wallets
		WHERE id = $1
		FOR UPDATE;
	`

	pgDebitWalletSQL = `
		UPDATE wallets
		SET balance = balance - $2
		WHERE id = $1;
	`

	pgCreditWalletSQL = `
		UPDATE wallets
		SET balance = balance + $2
		WHERE id = $1;
	`

	pgInsertOperationSQL = `
		INSERT INTO operations (id, kind, wallet_from, wallet_to, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id;
	`

	pgSelectOperationsByWalletSQL = `
		SELECT id, kind, wallet_from, wallet_to, amount, created_at
		FROM operations
		WHERE wallet_from = $1 OR wallet_to = $1
		ORDER BY created_at, id;
	`
)

// Postgres SQLSTATEs surfaced as typed errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

type PostgresEndpoint struct {
	pool *pgxpool.Pool
	log  *zerolog.Logger
}

var (
	_ AccountRepository   = (*PostgresEndpoint)(nil)
	_ WalletRepository    = (*PostgresEndpoint)(nil)
	_ OperationRepository = (*PostgresEndpoint)(nil)
)

func NewPostgresEndpoint(connStr string, log *zerolog.Logger) (*PostgresEndpoint, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	if err = pool.Ping(context.Background()); err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}

	endpt := &PostgresEndpoint{
		pool: pool,
		log:  log,
	}
	return endpt, err
}

// Pool exposes the underlying pool for non-transactional reads and for the
// transaction manager.
func (pg *PostgresEndpoint) Pool() *pgxpool.Pool {
	return pg.pool
}

func (pg *PostgresEndpoint) Close() {
	pg.pool.Close()
}

func (pg *PostgresEndpoint) CreateAccount(ctx context.Context, db DBTX, req CreateAccountReq) (snowflake.ID, error) {
	if req.Email == "" {
		return 0, ErrBadRequest{Fields: map[string]string{"email": "must not be empty"}}
	}

	row := db.QueryRow(ctx, pgInsertAccountSQL, req.AcctID, req.Email)
	var id snowflake.ID
	if err := row.Scan(&id); err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (pg *PostgresEndpoint) AccountByID(ctx context.Context, db DBTX, id snowflake.ID) (*Account, error) {
	return pg.scanAccount(db.QueryRow(ctx, pgSelectAccountByIDSQL, id))
}

func (pg *PostgresEndpoint) AccountByWalletID(ctx context.Context, db DBTX, walletID snowflake.ID) (*Account, error) {
	return pg.scanAccount(db.QueryRow(ctx, pgSelectAccountByWalletSQL, walletID))
}

func (pg *PostgresEndpoint) scanAccount(row pgx.Row) (*Account, error) {
	var (
		acct Account
		wid  *snowflake.ID
		bal  *decimal.Decimal
		cur  *string
	)
	// wallet columns come from a left join; they are null for the window
	// between account insert and wallet insert.
	if err := row.Scan(&acct.AcctID, &acct.Email, &wid, &bal, &cur); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPgError(err)
	}
	if wid != nil {
		acct.WalletID = *wid
	}
	if bal != nil {
		acct.Balance = *bal
	}
	if cur != nil {
		acct.Currency = *cur
	}
	return &acct, nil
}

func (pg *PostgresEndpoint) CreateWallet(ctx context.Context, db DBTX, walletID, ownerID snowflake.ID) (snowflake.ID, error) {
	row := db.QueryRow(ctx, pgInsertWalletSQL, walletID, ownerID)
	var id snowflake.ID
	if err := row.Scan(&id); err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (pg *PostgresEndpoint) WalletByID(ctx context.Context, db DBTX, walletID snowflake.ID) (*Wallet, error) {
	return pg.scanWallet(db.QueryRow(ctx, pgSelectWalletByIDSQL, walletID))
}

func (pg *PostgresEndpoint) WalletByOwnerID(ctx context.Context, db DBTX, ownerID snowflake.ID) (*Wallet, error) {
	return pg.scanWallet(db.QueryRow(ctx, pgSelectWalletByOwnerSQL, ownerID))
}

func (pg *PostgresEndpoint) scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	if err := row.Scan(&w.WalletID, &w.OwnerID, &w.Balance, &w.Currency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPgError(err)
	}
	return &w, nil
}

func (pg *PostgresEndpoint) Enroll(ctx context.Context, db DBTX, walletID snowflake.ID, amount decimal.Decimal) (snowflake.ID, error) {
	row := db.QueryRow(ctx, pgEnrollWalletSQL, walletID, amount)
	var id snowflake.ID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, mapPgError(err)
	}
	return id, nil
}

// Transfer checks sufficiency against a row-locked read, then moves the
// amount. The CHECK (balance >= 0) constraint stays as a backstop; the
// explicit check here is what produces ErrInsufficientFunds instead of a
// constraint violation. Both updates run on db, the caller's transaction.
func (pg *PostgresEndpoint) Transfer(ctx context.Context, db DBTX, src, dst snowflake.ID, amount decimal.Decimal) (snowflake.ID, error) {
	row := db.QueryRow(ctx, pgSelectBalanceForUpdateSQL, src)
	var bal decimal.Decimal
	if err := row.Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound{Entity: "wallet", ID: int64(src)}
		}
		return 0, mapPgError(err)
	}
	if bal.LessThan(amount) {
		return 0, ErrInsufficientFunds
	}

	if _, err := db.Exec(ctx, pgDebitWalletSQL, src, amount); err != nil {
		return 0, mapPgError(err)
	}
	tag, err := db.Exec(ctx, pgCreditWalletSQL, dst, amount)
	if err != nil {
		return 0, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound{Entity: "wallet", ID: int64(dst)}
	}
	return src, nil
}

func (pg *PostgresEndpoint) CreateOperation(ctx context.Context, db DBTX, opID snowflake.ID, kind OperationKind, amount decimal.Decimal, walletFrom, walletTo *snowflake.ID) (snowflake.ID, error) {
	row := db.QueryRow(ctx, pgInsertOperationSQL, opID, string(kind), walletFrom, walletTo, amount)
	var id snowflake.ID
	if err := row.Scan(&id); err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (pg *PostgresEndpoint) OperationsByWallet(ctx context.Context, db DBTX, walletID snowflake.ID) ([]Operation, error) {
	rows, err := db.Query(ctx, pgSelectOperationsByWalletSQL, walletID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		if err = rows.Scan(&op.OpID, &op.Kind, &op.WalletFrom, &op.WalletTo, &op.Amount, &op.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
		ops = append(ops, op)
	}
	if err = rows.Err(); err != nil {
		return nil, mapPgError(err)
	}
	return ops, nil
}

// mapPgError tags constraint violations with the error kinds callers match
// on. Transport-level failures (connect errors, timeouts, requests that never
// reached the server) are filed under ErrStorageUnavailable; anything else
// unrecognized passes through untouched.
func mapPgError(err error) error {
	var pgerr *pgconn.PgError
	if !errors.As(err, &pgerr) {
		var connErr *pgconn.ConnectError
		if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
			return errors.Join(ErrStorageUnavailable, err)
		}
		return err
	}
	switch pgerr.Code {
	case pgUniqueViolation:
		return ErrDuplicateKey{Constraint: pgerr.ConstraintName}
	case pgForeignKeyViolation:
		return ErrBadRequest{Fields: map[string]string{"owner_id": "references no account"}}
	case pgCheckViolation:
		return ErrBadRequest{Fields: map[string]string{"amount": "violates " + pgerr.ConstraintName}}
	case pgLockNotAvailable:
		return ErrLockTimeout
	}
	return err
}
