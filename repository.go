package walletxgo

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DBTX is the querying surface shared by *pgxpool.Pool, *pgxpool.Conn, and
// pgx.Tx. Repositories never open transactions themselves; the caller decides
// whether a method runs against the pool or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type OperationKind string

const (
	OpCreate     OperationKind = "CREATE"
	OpDeposit    OperationKind = "DEPOSIT"
	OpWithdrawal OperationKind = "WITHDRAWAL"
)

// Account is the composite view of an account row joined with its wallet.
type Account struct {
	AcctID   snowflake.ID    `json:"id"`
	Email    string          `json:"email"`
	WalletID snowflake.ID    `json:"wallet_id"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type Wallet struct {
	WalletID snowflake.ID    `json:"id"`
	OwnerID  snowflake.ID    `json:"owner_id"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type Operation struct {
	OpID       snowflake.ID    `json:"id"`
	Kind       OperationKind   `json:"kind"`
	WalletFrom *snowflake.ID   `json:"wallet_from,omitempty"`
	WalletTo   *snowflake.ID   `json:"wallet_to,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CreateAccountReq struct {
	AcctID snowflake.ID `json:"-"`
	Email  string       `json:"email"`
}

// AccountRepository reads and writes account rows. Lookups return (nil, nil)
// when no row matches; absence is not an error at this layer.
type AccountRepository interface {
	CreateAccount(ctx context.Context, db DBTX, req CreateAccountReq) (snowflake.ID, error)
	AccountByID(ctx context.Context, db DBTX, id snowflake.ID) (*Account, error)
	AccountByWalletID(ctx context.Context, db DBTX, walletID snowflake.ID) (*Account, error)
}

type WalletRepository interface {
	CreateWallet(ctx context.Context, db DBTX, walletID, ownerID snowflake.ID) (snowflake.ID, error)
	WalletByID(ctx context.Context, db DBTX, walletID snowflake.ID) (*Wallet, error)
	WalletByOwnerID(ctx context.Context, db DBTX, ownerID snowflake.ID) (*Wallet, error)
	// Enroll adds amount to the wallet balance as a single server-side
	// update. Returns 0 if no row matched walletID.
	Enroll(ctx context.Context, db DBTX, walletID snowflake.ID, amount decimal.Decimal) (snowflake.ID, error)
	// Transfer moves amount from src to dst. The sufficiency check and both
	// balance updates run against db, which must be the caller's
	// transaction handle.
	Transfer(ctx context.Context, db DBTX, src, dst snowflake.ID, amount decimal.Decimal) (snowflake.ID, error)
}

// OperationRepository appends to the ledger log. The log is write-once: no
// update or delete is exposed.
type OperationRepository interface {
	CreateOperation(ctx context.Context, db DBTX, opID snowflake.ID, kind OperationKind, amount decimal.Decimal, walletFrom, walletTo *snowflake.ID) (snowflake.ID, error)
	OperationsByWallet(ctx context.Context, db DBTX, walletID snowflake.ID) ([]Operation, error)
}
