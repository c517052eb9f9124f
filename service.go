package walletxgo

import (
	"context"
	"io"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type DepositReq struct {
	AcctID snowflake.ID    `json:"-"`
	Amount decimal.Decimal `json:"amount"`
}

type TransferReq struct {
	SourceWalletID      snowflake.ID    `json:"wallet_from"`
	DestinationWalletID snowflake.ID    `json:"wallet_to"`
	Amount              decimal.Decimal `json:"amount"`
}

type StatementReq struct {
	WalletID snowflake.ID
}

// Service is the ledger usecase surface. Every mutating operation runs under
// its class advisory lock inside one serializable transaction; a serialization
// failure surfaces to the caller untouched, retrying is the caller's call.
type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error)
	Deposit(ctx context.Context, req DepositReq) (*Account, error)
	Transfer(ctx context.Context, req TransferReq) (*Account, error)
	Account(ctx context.Context, id snowflake.ID) (*Account, error)
	Statement(ctx context.Context, w io.Writer, req StatementReq) error
}

func NewService(
	accts AccountRepository,
	wallets WalletRepository,
	ops OperationRepository,
	txmgr TxManager,
	db DBTX,
	node *snowflake.Node,
	log *zerolog.Logger,
) (*serviceImpl, error) {
	return &serviceImpl{
		accts:   accts,
		wallets: wallets,
		ops:     ops,
		txmgr:   txmgr,
		db:      db,
		node:    node,
		log:     log,
	}, nil
}

type serviceImpl struct {
	accts   AccountRepository
	wallets WalletRepository
	ops     OperationRepository
	txmgr   TxManager
	db      DBTX
	node    *snowflake.Node
	log     *zerolog.Logger
}

var (
	_ Service = (*serviceImpl)(nil)
)

// CreateAccount inserts the account, its zero-balance wallet, and the CREATE
// ledger entry as one unit. Either all three rows land or none do.
func (s *serviceImpl) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	if req.Email == "" {
		return nil, ErrBadRequest{Fields: map[string]string{"email": "must not be empty"}}
	}
	if req.AcctID == 0 {
		req.AcctID = s.node.Generate()
	}

	var acct *Account
	err := s.txmgr.WithLock(ctx, LockCreateAccount, func(tx pgx.Tx) error {
		acctID, err := s.accts.CreateAccount(ctx, tx, req)
		if err != nil {
			return err
		}

		walletID, err := s.wallets.CreateWallet(ctx, tx, s.node.Generate(), acctID)
		if err != nil {
			return err
		}

		_, err = s.ops.CreateOperation(ctx, tx, s.node.Generate(), OpCreate, decimal.Zero, nil, &walletID)
		if err != nil {
			return err
		}

		acct, err = s.accts.AccountByID(ctx, tx, acctID)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrInvariant{Msg: "account unreadable after insert"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Deposit adds funds to the account's wallet, the original system's "enroll".
func (s *serviceImpl) Deposit(ctx context.Context, req DepositReq) (*Account, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrBadRequest{Fields: map[string]string{"amount": "must be positive"}}
	}

	var acct *Account
	err := s.txmgr.WithLock(ctx, LockEnroll, func(tx pgx.Tx) error {
		found, err := s.accts.AccountByID(ctx, tx, req.AcctID)
		if err != nil {
			return err
		}
		if found == nil {
			return ErrNotFound{Entity: "account", ID: int64(req.AcctID)}
		}

		walletID, err := s.wallets.Enroll(ctx, tx, found.WalletID, req.Amount)
		if err != nil {
			return err
		}
		if walletID == 0 {
			return ErrNotFound{Entity: "wallet", ID: int64(found.WalletID)}
		}

		_, err = s.ops.CreateOperation(ctx, tx, s.node.Generate(), OpDeposit, req.Amount, nil, &walletID)
		if err != nil {
			return err
		}

		acct, err = s.accts.AccountByID(ctx, tx, req.AcctID)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrNotFound{Entity: "account", ID: int64(req.AcctID)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Transfer moves funds between two wallets and appends both ledger legs: a
// WITHDRAWAL on the source side, then the mirrored DEPOSIT. Returns the
// source wallet owner's refreshed view.
func (s *serviceImpl) Transfer(ctx context.Context, req TransferReq) (*Account, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrBadRequest{Fields: map[string]string{"amount": "must be positive"}}
	}
	if req.SourceWalletID == req.DestinationWalletID {
		return nil, ErrBadRequest{Fields: map[string]string{"wallet_to": "must differ from wallet_from"}}
	}

	var acct *Account
	err := s.txmgr.WithLock(ctx, LockTransfer, func(tx pgx.Tx) error {
		src, err := s.wallets.WalletByID(ctx, tx, req.SourceWalletID)
		if err != nil {
			return err
		}
		if src == nil {
			return ErrNotFound{Entity: "wallet", ID: int64(req.SourceWalletID)}
		}
		dst, err := s.wallets.WalletByID(ctx, tx, req.DestinationWalletID)
		if err != nil {
			return err
		}
		if dst == nil {
			return ErrNotFound{Entity: "wallet", ID: int64(req.DestinationWalletID)}
		}

		srcID, err := s.wallets.Transfer(ctx, tx, src.WalletID, dst.WalletID, req.Amount)
		if err != nil {
			return err
		}

		_, err = s.ops.CreateOperation(ctx, tx, s.node.Generate(), OpWithdrawal, req.Amount, &src.WalletID, &dst.WalletID)
		if err != nil {
			return err
		}
		_, err = s.ops.CreateOperation(ctx, tx, s.node.Generate(), OpDeposit, req.Amount, &dst.WalletID, &src.WalletID)
		if err != nil {
			return err
		}

		acct, err = s.accts.AccountByWalletID(ctx, tx, srcID)
		if err != nil {
			return err
		}
		if acct == nil {
			// the owning account's id is unknown here; srcID is a wallet id
			return ErrNotFound{Entity: "account"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Account is a plain snapshot read. It takes no lock and no transaction.
func (s *serviceImpl) Account(ctx context.Context, id snowflake.ID) (*Account, error) {
	acct, err := s.accts.AccountByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNotFound{Entity: "account", ID: int64(id)}
	}
	return acct, nil
}

// Statement writes a PDF rendering of the wallet's operation log to w.
func (s *serviceImpl) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	acct, err := s.accts.AccountByWalletID(ctx, s.db, req.WalletID)
	if err != nil {
		return err
	}
	if acct == nil {
		return ErrNotFound{Entity: "wallet", ID: int64(req.WalletID)}
	}
	ops, err := s.ops.OperationsByWallet(ctx, s.db, req.WalletID)
	if err != nil {
		return err
	}
	return renderStatement(w, acct, ops)
}
