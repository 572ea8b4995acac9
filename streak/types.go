/*
Package streak tracks daily-login continuity with freeze protection.

PURPOSE:
  Evaluated once per login. Compares the last login date with today (UTC
  calendar day) and moves the user through NEW, CONSECUTIVE, SAME_DAY or
  BROKEN. A broken streak is resolved automatically by the free options
  and only prompts for the paid one.

FREEZE RESOLUTION (fixed priority, never reordered):
  1. New ISO week?     reset the weekly freebie, advance the anchor
  2. Freebie unused?   consume it, streak preserved
  3. Inventory > 0?    consume one freeze, streak preserved
  4. Otherwise         report "at risk" with the repair cost; nothing
                       resets until Repair or AcceptBroken is called

KEY CONCEPTS IN THIS FILE (types.go):
  - State: Persisted per-user streak record
  - Branch: Which transition a login took
  - Outcome: What Evaluate reports to the caller

SEE ALSO:
  - streak.go: The Engine
  - calendar.go: UTC day and ISO week helpers
*/
package streak

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/claves-engine/ledger"
)

// =============================================================================
// BRANCH
// =============================================================================

type Branch string

const (
	BranchNew         Branch = "new"
	BranchConsecutive Branch = "consecutive"
	BranchSameDay     Branch = "same_day"
	BranchBroken      Branch = "broken"
)

// SaveSource says what preserved a broken streak.
type SaveSource string

const (
	SavedByNone     SaveSource = ""
	SavedByFreebie  SaveSource = "weekly_freebie"
	SavedByFreeze   SaveSource = "inventory_freeze"
	SavedByRepair   SaveSource = "repair"
	SavedByAccepted SaveSource = "accepted_broken"
)

// =============================================================================
// STATE
// =============================================================================

// State is the persisted streak record. The zero value is a user who has
// never logged in.
type State struct {
	UserID            ledger.UserID
	CurrentStreak     int
	LongestStreak     int
	LastLoginDate     time.Time // UTC midnight, zero = never
	WeeklyFreebieUsed bool
	WeeklyResetAnchor time.Time // Monday (UTC) of the week the freebie flag belongs to
	InventoryFreezes  int

	// AtRisk is set when a broken streak could not be saved for free and
	// the user has not yet repaired or accepted it.
	AtRisk bool

	// LastBranch is the branch taken by the first evaluation on LastLoginDate.
	LastBranch Branch

	// FreezesPurchased counts freeze_purchase debits already added to
	// InventoryFreezes.
	FreezesPurchased int
}

// Store persists streak state.
type Store interface {
	// LoadStreak returns the zero State (with UserID set) for unknown users.
	LoadStreak(ctx context.Context, userID ledger.UserID) (State, error)
	SaveStreak(ctx context.Context, st State) error
}

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is what one login evaluation did.
type Outcome struct {
	UserID ledger.UserID
	Date   time.Time
	Branch Branch

	// FirstBranch is the branch of today's first evaluation. Equal to
	// Branch except on SAME_DAY, where it lets callers resume interrupted
	// work for the day.
	FirstBranch Branch

	Streak  int
	Saved   bool
	SavedBy SaveSource

	// Set when the streak is broken and nothing free could save it.
	AtRisk     bool
	RepairCost int64
	Balance    int64

	InventoryFreezes  int
	WeeklyFreebieUsed bool
}

// Err returns *AtRiskError when the outcome needs a user decision, nil
// otherwise. The login itself still counted.
func (o Outcome) Err() error {
	if !o.AtRisk {
		return nil
	}
	return &AtRiskError{UserID: o.UserID, Streak: o.Streak, RepairCost: o.RepairCost, Balance: o.Balance}
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoFreezeAvailable: broken streak, no freebie, no inventory.
	ErrNoFreezeAvailable = ledger.NewRejection("no freeze available")

	// ErrNotAtRisk: Repair or AcceptBroken called with nothing to resolve.
	ErrNotAtRisk = ledger.NewRejection("streak is not at risk")
)

// AtRiskError carries what a client needs to offer a paid repair.
type AtRiskError struct {
	UserID     ledger.UserID
	Streak     int
	RepairCost int64
	Balance    int64
}

func (e *AtRiskError) Error() string {
	return fmt.Sprintf("streak of %d at risk: repair costs %d, balance %d", e.Streak, e.RepairCost, e.Balance)
}

func (e *AtRiskError) Unwrap() error { return ErrNoFreezeAvailable }

// CanAffordRepair reports whether the balance covers the repair.
func (e *AtRiskError) CanAffordRepair() bool { return e.Balance >= e.RepairCost }
