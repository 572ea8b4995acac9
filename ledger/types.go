/*
Package ledger provides the claves currency ledger.

PURPOSE:
  Every clave a user earns or spends passes through this package. The
  ledger keeps an append-only transaction log per user and a balance that
  always equals the sum of that log.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserID: Type-safe user identifier
  - Reason: Closed taxonomy classifying every mutation
  - Transaction: An immutable ledger entry
  - Result: What a credit or debit returns to the caller

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Integral units: A clave cannot be split, amounts are int64
  3. Closed reasons: An unknown reason is a compile error, not a typo at runtime
  4. Auditability: Every transaction has a reason and an optional reference

USAGE:
  res, err := engine.Debit(ctx, "user-1", 15, ledger.ReasonPostStage, "post-42")
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      // business rejection, tell the user
  }

SEE ALSO:
  - errors.go: Business and integrity error types
  - store.go: Persistence interface
  - ledger.go: The Engine
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// REASON - Closed taxonomy of ledger mutations
// =============================================================================

type Reason string

const (
	ReasonDailyLogin                 Reason = "daily_login"
	ReasonStreakBonus                Reason = "streak_bonus"
	ReasonNewUserBonus               Reason = "new_user_bonus"
	ReasonSubscriptionBonusAdvanced  Reason = "subscription_bonus_advanced"
	ReasonSubscriptionBonusPerformer Reason = "subscription_bonus_performer"
	ReasonPostStage                  Reason = "post_stage"
	ReasonPostLab                    Reason = "post_lab"
	ReasonReaction                   Reason = "reaction"
	ReasonComment                    Reason = "comment"
	ReasonReactionRefund             Reason = "reaction_refund"
	ReasonAcceptedAnswerReward       Reason = "accepted_answer_reward"
	ReasonStreakRepair               Reason = "streak_repair"
	ReasonFreezePurchase             Reason = "freeze_purchase"
	ReasonAdminAdjustment            Reason = "admin_adjustment"
)

// Direction says which side of the ledger a reason may appear on.
type Direction int

const (
	DirectionCredit Direction = 1 << iota
	DirectionDebit
)

var reasonDirections = map[Reason]Direction{
	ReasonDailyLogin:                 DirectionCredit,
	ReasonStreakBonus:                DirectionCredit,
	ReasonNewUserBonus:               DirectionCredit,
	ReasonSubscriptionBonusAdvanced:  DirectionCredit,
	ReasonSubscriptionBonusPerformer: DirectionCredit,
	ReasonReactionRefund:             DirectionCredit,
	ReasonAcceptedAnswerReward:       DirectionCredit,
	ReasonPostStage:                  DirectionDebit,
	ReasonPostLab:                    DirectionDebit,
	ReasonReaction:                   DirectionDebit,
	ReasonComment:                    DirectionDebit,
	ReasonStreakRepair:               DirectionDebit,
	ReasonFreezePurchase:             DirectionDebit,
	ReasonAdminAdjustment:            DirectionCredit | DirectionDebit,
}

// Reasons returns every reason in the taxonomy.
func Reasons() []Reason {
	return []Reason{
		ReasonDailyLogin, ReasonStreakBonus, ReasonNewUserBonus,
		ReasonSubscriptionBonusAdvanced, ReasonSubscriptionBonusPerformer,
		ReasonPostStage, ReasonPostLab, ReasonReaction, ReasonComment,
		ReasonReactionRefund, ReasonAcceptedAnswerReward,
		ReasonStreakRepair, ReasonFreezePurchase, ReasonAdminAdjustment,
	}
}

// ParseReason converts wire input into a Reason.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", &InvalidReasonError{Reason: r}
	}
	return r, nil
}

func (r Reason) Valid() bool {
	_, ok := reasonDirections[r]
	return ok
}

func (r Reason) IsCredit() bool { return reasonDirections[r]&DirectionCredit != 0 }
func (r Reason) IsDebit() bool  { return reasonDirections[r]&DirectionDebit != 0 }
func (r Reason) String() string { return string(r) }

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// Transaction is a single balance change. Amount is positive for credits
// and negative for debits.
type Transaction struct {
	ID          TransactionID
	UserID      UserID
	Amount      int64
	Reason      Reason
	ReferenceID string // Optional dedup key, unique per (UserID, Reason)
	CreatedAt   time.Time
}

// IsCredit reports whether the transaction added claves.
func (t Transaction) IsCredit() bool { return t.Amount > 0 }

// =============================================================================
// RESULT - Outcome of a mutation
// =============================================================================

// Result describes a committed (or replayed) mutation.
type Result struct {
	Transaction Transaction
	Balance     int64 // Balance after the mutation

	// Replayed is true when (reason, reference_id) had already been applied.
	// Nothing was appended, Balance is the current balance.
	Replayed bool
}

// =============================================================================
// PRICE LIST - What community actions cost
// =============================================================================

// PriceList maps debit reasons to their fixed cost in claves.
type PriceList map[Reason]int64

// DefaultFreezeCost is the price of a streak repair or an inventory freeze.
const DefaultFreezeCost int64 = 10

// DefaultPrices returns the platform's standard price list.
func DefaultPrices() PriceList {
	return PriceList{
		ReasonPostStage:      15,
		ReasonPostLab:        5,
		ReasonReaction:       1,
		ReasonComment:        1,
		ReasonStreakRepair:   DefaultFreezeCost,
		ReasonFreezePurchase: DefaultFreezeCost,
	}
}

// Cost returns the price for reason, false if the reason has no price.
func (p PriceList) Cost(reason Reason) (int64, bool) {
	c, ok := p[reason]
	return c, ok && c > 0
}
