package walletxgo

import (
	"errors"
	"fmt"
)

var (
	ErrInternalServer = errors.New("internal server error")

	// ErrInsufficientFunds is a business-rule rejection, not a constraint
	// violation; the wallets table CHECK is only the backstop.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLockTimeout is returned when an advisory lock could not be
	// acquired within the configured wait.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrOverCapacity is returned by the load-shedding middleware when an
	// operation class has no in-flight slots left.
	ErrOverCapacity = errors.New("over capacity")
)

type ErrBadRequest struct {
	Fields map[string]string
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

type ErrNotFound struct {
	Entity string `json:"entity"`
	ID     int64  `json:"id"`
}

func (e ErrNotFound) Error() string {
	if e.Entity == "" {
		return "record not found"
	}
	if e.ID == 0 {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s `%d` not found", e.Entity, e.ID)
}

type ErrDuplicateKey struct {
	Constraint string `json:"constraint"`
}

func (e ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicate key on %s", e.Constraint)
}

// ErrInvariant signals a broken internal assumption, e.g. a row written
// earlier in the same transaction cannot be read back. It is fatal to the
// request, not to the process.
type ErrInvariant struct {
	Msg string
}

func (e ErrInvariant) Error() string {
	return "invariant violation: " + e.Msg
}
