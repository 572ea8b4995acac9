/*
errors.go - Error taxonomy shared by every engine

PURPOSE:
  Callers must be able to tell "rejected by a business rule" apart from
  "failed because the database is down". This file holds the types that
  make that distinction checkable with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Business rejections - expected outcomes, the caller decides what to show
     (InsufficientFunds, AlreadyClaimedToday, NoFreezeAvailable, NotFound)
  2. Integrity violations - must never happen while invariants hold
     (negative balance, duplicate grant, negative streak)
  3. Infrastructure errors - everything else, wrapped with %w and retryable

USAGE:
  Other packages declare their own rejections through NewRejection:

    var ErrAlreadyClaimedToday = ledger.NewRejection("daily bonus already claimed today")

  and classify any error with IsBusinessRejection / IsIntegrityViolation.

SEE ALSO:
  - ledger.go: Returns InsufficientFundsError from Debit
  - streak/streak.go, badge/engine.go, bonus/bonus.go: Declare rejections
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// BUSINESS REJECTIONS
// =============================================================================

// RejectionError is a business rule saying no. It is never a system fault.
type RejectionError struct {
	msg string
}

// NewRejection declares a sentinel business rejection.
func NewRejection(msg string) *RejectionError {
	return &RejectionError{msg: msg}
}

func (e *RejectionError) Error() string { return e.msg }

var (
	// ErrInsufficientFunds is returned (wrapped in InsufficientFundsError)
	// when a debit exceeds the balance. No mutation took place.
	ErrInsufficientFunds = NewRejection("insufficient balance")

	// ErrNotFound is the generic "no such thing" rejection.
	ErrNotFound = NewRejection("not found")

	// ErrUserNotFound is returned when the profile store has no such user.
	ErrUserNotFound = NewRejection("user not found")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = NewRejection("amount must be positive")

	// ErrInvalidReason is returned for unknown reasons or a reason used on
	// the wrong side of the ledger.
	ErrInvalidReason = NewRejection("invalid reason")

	// ErrNoPrice is returned by Spend when the reason has no price.
	ErrNoPrice = NewRejection("reason has no configured price")
)

// InsufficientFundsError carries the exact shortfall for user-facing messages.
type InsufficientFundsError struct {
	UserID    UserID
	Reason    Reason
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d, shortfall %d",
		e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Shortfall is how many claves are missing.
func (e *InsufficientFundsError) Shortfall() int64 { return e.Required - e.Available }

// InvalidReasonError names the offending reason.
type InvalidReasonError struct {
	Reason    Reason
	Direction Direction
}

func (e *InvalidReasonError) Error() string {
	switch e.Direction {
	case DirectionCredit:
		return fmt.Sprintf("invalid reason: %q cannot be credited", e.Reason)
	case DirectionDebit:
		return fmt.Sprintf("invalid reason: %q cannot be debited", e.Reason)
	default:
		return fmt.Sprintf("invalid reason: %q", e.Reason)
	}
}

func (e *InvalidReasonError) Unwrap() error { return ErrInvalidReason }

// =============================================================================
// STORE ERRORS
// =============================================================================

// ErrDuplicateReference is returned by a Store when (user, reason,
// reference_id) was already recorded. The engine turns it into a replay.
var ErrDuplicateReference = errors.New("duplicate reference id")

// =============================================================================
// INTEGRITY VIOLATIONS
// =============================================================================

// ErrIntegrityViolation marks a broken invariant. Log it, never swallow it.
var ErrIntegrityViolation = errors.New("integrity violation")

type IntegrityKind string

const (
	IntegrityNegativeBalance IntegrityKind = "negative_balance"
	IntegrityBalanceDrift    IntegrityKind = "balance_drift"
	IntegrityDuplicateGrant  IntegrityKind = "duplicate_grant"
	IntegrityNegativeStreak  IntegrityKind = "negative_streak"
)

// IntegrityError describes which invariant broke and for whom.
type IntegrityError struct {
	Kind   IntegrityKind
	UserID UserID
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation (%s) for user %s: %s", e.Kind, e.UserID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrityViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsBusinessRejection reports whether err is an expected business outcome.
func IsBusinessRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// IsIntegrityViolation reports whether err signals a broken invariant.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrIntegrityViolation)
}

// IsRetryable returns true for infrastructure failures. Retrying a
// mutation is only safe with a stable reference id.
func IsRetryable(err error) bool {
	return err != nil && !IsBusinessRejection(err) && !IsIntegrityViolation(err)
}
