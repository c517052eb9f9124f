package walletxgo

import (
	"context"
	"errors"
	"io"
	"net/mail"

	"github.com/bwmarrin/snowflake"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

type Middleware func(Service) Service

//
// Request validation middleware
//

// validationMiddleware rejects malformed requests before the usecase runs.
// Business-rule checks (positive amount, distinct wallets) live in the
// usecases themselves; this layer covers request-shape concerns like email
// address syntax.
type validationMiddleware struct {
	next Service
}

var (
	_ Service = (*validationMiddleware)(nil)
)

func NewValidationMiddleware() Middleware {
	return func(svc Service) Service {
		return &validationMiddleware{
			next: svc,
		}
	}
}

func (v *validationMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, ErrBadRequest{Fields: map[string]string{"email": "invalid address"}}
	}
	return v.next.CreateAccount(ctx, req)
}

func (v *validationMiddleware) Deposit(ctx context.Context, req DepositReq) (*Account, error) {
	if req.AcctID == 0 {
		return nil, ErrBadRequest{Fields: map[string]string{"acctID": "missing"}}
	}
	return v.next.Deposit(ctx, req)
}

func (v *validationMiddleware) Transfer(ctx context.Context, req TransferReq) (*Account, error) {
	if req.SourceWalletID == 0 || req.DestinationWalletID == 0 {
		return nil, ErrBadRequest{Fields: map[string]string{"wallet_from/wallet_to": "missing"}}
	}
	return v.next.Transfer(ctx, req)
}

func (v *validationMiddleware) Account(ctx context.Context, id snowflake.ID) (*Account, error) {
	return v.next.Account(ctx, id)
}

func (v *validationMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	return v.next.Statement(ctx, w, req)
}

//
// Rate limiting middlewares
//

// limitMiddleware caps in-flight requests per operation class with weighted
// semaphores, i.e., x/sync/semaphore with the request context bounding the
// acquisition wait. Static limits are a blunt instrument on heterogeneous
// machines, but they shed load predictably when the store backs up behind
// the class advisory locks.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	CreateAccount *semaphore.Weighted
	Deposit       *semaphore.Weighted
	Transfer      *semaphore.Weighted
	Account       *semaphore.Weighted
	Statement     *semaphore.Weighted
}

const defaultLimit = 64

func NewServiceLimits(createAccount, deposit, transfer, account, statement int64) *ServiceLimits {
	return &ServiceLimits{
		CreateAccount: semaphore.NewWeighted(orDefault(createAccount)),
		Deposit:       semaphore.NewWeighted(orDefault(deposit)),
		Transfer:      semaphore.NewWeighted(orDefault(transfer)),
		Account:       semaphore.NewWeighted(orDefault(account)),
		Statement:     semaphore.NewWeighted(orDefault(statement)),
	}
}

func orDefault(n int64) int64 {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

func (l *limitMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	if err := l.limits.CreateAccount.Acquire(ctx, 1); err != nil {
		return nil, ErrOverCapacity
	}
	defer l.limits.CreateAccount.Release(1)
	return l.next.CreateAccount(ctx, req)
}

func (l *limitMiddleware) Deposit(ctx context.Context, req DepositReq) (*Account, error) {
	if err := l.limits.Deposit.Acquire(ctx, 1); err != nil {
		return nil, ErrOverCapacity
	}
	defer l.limits.Deposit.Release(1)
	return l.next.Deposit(ctx, req)
}

func (l *limitMiddleware) Transfer(ctx context.Context, req TransferReq) (*Account, error) {
	if err := l.limits.Transfer.Acquire(ctx, 1); err != nil {
		return nil, ErrOverCapacity
	}
	defer l.limits.Transfer.Release(1)
	return l.next.Transfer(ctx, req)
}

func (l *limitMiddleware) Account(ctx context.Context, id snowflake.ID) (*Account, error) {
	if err := l.limits.Account.Acquire(ctx, 1); err != nil {
		return nil, ErrOverCapacity
	}
	defer l.limits.Account.Release(1)
	return l.next.Account(ctx, id)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	if err := l.limits.Statement.Acquire(ctx, 1); err != nil {
		return ErrOverCapacity
	}
	defer l.limits.Statement.Release(1)
	return l.next.Statement(ctx, w, req)
}

type ServiceBreaker struct {
	CreateAccount *gobreaker.TwoStepCircuitBreaker[*Account]
	Deposit       *gobreaker.TwoStepCircuitBreaker[*Account]
	Transfer      *gobreaker.TwoStepCircuitBreaker[*Account]
	Account       *gobreaker.TwoStepCircuitBreaker[*Account]
	Statement     *gobreaker.TwoStepCircuitBreaker[interface{}]
}

func NewServiceBreaker() *ServiceBreaker {
	st := gobreaker.Settings{Name: "walletxgo"}
	return &ServiceBreaker{
		CreateAccount: gobreaker.NewTwoStepCircuitBreaker[*Account](st),
		Deposit:       gobreaker.NewTwoStepCircuitBreaker[*Account](st),
		Transfer:      gobreaker.NewTwoStepCircuitBreaker[*Account](st),
		Account:       gobreaker.NewTwoStepCircuitBreaker[*Account](st),
		Statement:     gobreaker.NewTwoStepCircuitBreaker[interface{}](st),
	}
}

// circuitBreakMiddleware trips per operation class when the store struggles.
// Only storage-class failures count against a breaker; business rejections
// (bad request, not found, insufficient funds) are successes as far as the
// store's health is concerned.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

// businessError reports whether err is a caller-attributable outcome rather
// than a sign of store trouble.
func businessError(err error) bool {
	var (
		br ErrBadRequest
		nf ErrNotFound
		dk ErrDuplicateKey
	)
	return errors.As(err, &br) ||
		errors.As(err, &nf) ||
		errors.As(err, &dk) ||
		errors.Is(err, ErrInsufficientFunds)
}

func (c *circuitBreakMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	done, err := c.brkrs.CreateAccount.Allow()
	if err != nil {
		return nil, ErrOverCapacity
	}
	acct, err := c.next.CreateAccount(ctx, req)
	done(err == nil || businessError(err))
	return acct, err
}

func (c *circuitBreakMiddleware) Deposit(ctx context.Context, req DepositReq) (*Account, error) {
	done, err := c.brkrs.Deposit.Allow()
	if err != nil {
		return nil, ErrOverCapacity
	}
	acct, err := c.next.Deposit(ctx, req)
	done(err == nil || businessError(err))
	return acct, err
}

func (c *circuitBreakMiddleware) Transfer(ctx context.Context, req TransferReq) (*Account, error) {
	done, err := c.brkrs.Transfer.Allow()
	if err != nil {
		return nil, ErrOverCapacity
	}
	acct, err := c.next.Transfer(ctx, req)
	done(err == nil || businessError(err))
	return acct, err
}

func (c *circuitBreakMiddleware) Account(ctx context.Context, id snowflake.ID) (*Account, error) {
	done, err := c.brkrs.Account.Allow()
	if err != nil {
		return nil, ErrOverCapacity
	}
	acct, err := c.next.Account(ctx, id)
	done(err == nil || businessError(err))
	return acct, err
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	done, err := c.brkrs.Statement.Allow()
	if err != nil {
		return ErrOverCapacity
	}
	err = c.next.Statement(ctx, w, req)
	done(err == nil || businessError(err))
	return err
}
