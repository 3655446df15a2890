package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrSessionNotFound       = errors.New("session not found")
	ErrNotYourTurn           = errors.New("not your turn")
	ErrSessionAlreadyOver    = errors.New("session already over")
	ErrSessionCreationFailed = errors.New("session creation failed")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	// ErrDuplicateNotification is informational: a replayed notification is a success.
	ErrDuplicateNotification = errors.New("duplicate notification")

	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAmountBelowMinimum  = errors.New("amount below minimum")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrUnknownMode         = errors.New("unknown session mode")
	ErrInvalidMove         = errors.New("invalid move")
	ErrInvalidParticipants = errors.New("invalid participants")

	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrWithdrawalReversed = errors.New("withdrawal already reversed")
)

// InsufficientFundsError names the user whose guard failed.
type InsufficientFundsError struct {
	UserID string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for user %s", e.UserID)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
