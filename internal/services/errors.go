package services

import (
	"errors"
	"fmt"
)

var (
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrHoldNotFound         = errors.New("hold not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTierNotFound         = errors.New("subscription tier not found")

	ErrUnauthorized = errors.New("actor is not a participant")
	ErrNotAvailable = errors.New("interaction type is not available for this creator")

	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrInsufficientBalanceForHold = fmt.Errorf("%w for hold", ErrInsufficientBalance)

	ErrNotPending        = errors.New("session is not pending")
	ErrNotAccepted       = errors.New("session is not accepted")
	ErrNotActive         = errors.New("session is not active")
	ErrAlreadyStarted    = errors.New("cannot cancel a session that has already started")
	ErrSessionClosed     = errors.New("session already closed")
	ErrNotRenewable      = errors.New("subscription is not active with auto-renew")
	ErrAlreadySubscribed = errors.New("already subscribed to this creator")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrSelfSession   = errors.New("payer and payee must differ")
	ErrInvalidKind   = errors.New("unknown session kind")
	ErrUnbalanced    = errors.New("ledger entries are not balanced")
)

// InsufficientBalanceError reports how much was needed against what the payer
// could actually spend.
type InsufficientBalanceError struct {
	Needed    int64
	Available int64
	Err       error
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d coins, have %d available", e.Needed, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	if e.Err == nil {
		return ErrInsufficientBalance
	}
	return e.Err
}

// RenewalBalanceError keeps the machine-readable message the renewal caller
// parses: INSUFFICIENT_BALANCE:<needed>:<available>.
type RenewalBalanceError struct {
	Needed    int64
	Available int64
}

func (e *RenewalBalanceError) Error() string {
	return fmt.Sprintf("INSUFFICIENT_BALANCE:%d:%d", e.Needed, e.Available)
}

func (e *RenewalBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}
