package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLedgerRejected      = errors.New("ledger rejected")
	ErrUnknownIlk          = errors.New("unknown ilk")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)

// unauthorizedReverts are revert-reason fragments raised by the proxy, the
// CDP manager and the vat when the caller is not allowed to touch a vault.
var unauthorizedReverts = []string{
	"cdp-not-allowed",
	"ds-auth-unauthorized",
	"not-allowed",
	"not-owner",
}

// insufficientReverts are revert-reason fragments for balance and limit
// failures (token balances, debt ceilings, collateralization).
var insufficientReverts = []string{
	"insufficient-balance",
	"insufficient-approval",
	"ceiling-exceeded",
	"not-safe",
	"vat/dust",
	"insufficient funds",
}

var existsReverts = []string{
	"already-exists",
}

// LedgerRejectedError is returned when the ledger reverts a submitted
// operation. Reason carries the revert message when the node exposes one.
//
// It always matches ErrLedgerRejected. Depending on the reason it also
// matches ErrUnauthorized, ErrInsufficientBalance or ErrAlreadyExists.
type LedgerRejectedError struct {
	Reason string
}

func (e *LedgerRejectedError) Error() string {
	if e.Reason == "" {
		return "ledger rejected: execution reverted"
	}
	return "ledger rejected: " + e.Reason
}

// Is implements errors.Is matching.
func (e *LedgerRejectedError) Is(target error) bool {
	switch target {
	case ErrLedgerRejected:
		return true
	case ErrUnauthorized:
		return reasonContains(e.Reason, unauthorizedReverts)
	case ErrInsufficientBalance:
		return reasonContains(e.Reason, insufficientReverts)
	case ErrAlreadyExists:
		return reasonContains(e.Reason, existsReverts)
	}
	return false
}

func reasonContains(reason string, fragments []string) bool {
	r := strings.ToLower(reason)
	for _, f := range fragments {
		if strings.Contains(r, f) {
			return true
		}
	}
	return false
}
