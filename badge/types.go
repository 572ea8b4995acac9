/*
Package badge grants achievement badges when per-user counters cross
catalog thresholds.

PURPOSE:
  Call sites report what happened (a fire reaction received, a solution
  accepted, a new streak value). The engine bumps the matching counter and
  grants every badge on that counter whose threshold is now met. Several
  tiers can be granted by one evaluation.

KEY CONCEPTS IN THIS FILE (types.go):
  - StatKey: Closed set of counters a badge can watch
  - Definition: One catalog row {id, stat_key, threshold, tier, category}
  - Grant: A badge held by a user, at most one per (user, badge)
  - Store: Counter and grant persistence

INVARIANTS:
  1. At most one Grant per (user_id, badge_id), enforced by the store
  2. Counters never decrease, except daily_streak which mirrors the streak
  3. Grants are never revoked

SEE ALSO:
  - catalog.go: Loading and validating definitions
  - engine.go: RecordEvent / Evaluate / IncrementAndEvaluate / Grant
*/
package badge

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/claves-engine/ledger"
)

// =============================================================================
// STAT KEYS
// =============================================================================

type StatKey string

const (
	StatFiresReceived     StatKey = "fires_received"
	StatClapsReceived     StatKey = "claps_received"
	StatHeartsReceived    StatKey = "hearts_received"
	StatReactionsGiven    StatKey = "reactions_given"
	StatSolutionsAccepted StatKey = "solutions_accepted"
	StatPostsCreated      StatKey = "posts_created"
	StatRepliesCreated    StatKey = "replies_created"
	StatDailyStreak       StatKey = "daily_streak"

	// StatManual marks badges that are only granted by an administrator.
	StatManual StatKey = "manual"
)

// StatKeys lists every counter-backed key (StatManual excluded).
func StatKeys() []StatKey {
	return []StatKey{
		StatFiresReceived, StatClapsReceived, StatHeartsReceived,
		StatReactionsGiven, StatSolutionsAccepted,
		StatPostsCreated, StatRepliesCreated, StatDailyStreak,
	}
}

func (k StatKey) Valid() bool {
	switch k {
	case StatFiresReceived, StatClapsReceived, StatHeartsReceived,
		StatReactionsGiven, StatSolutionsAccepted,
		StatPostsCreated, StatRepliesCreated, StatDailyStreak, StatManual:
		return true
	}
	return false
}

// Absolute is true for stats that carry an observed value rather than a
// running total. Recording one overwrites the counter.
func (k StatKey) Absolute() bool { return k == StatDailyStreak }

func ParseStatKey(s string) (StatKey, error) {
	k := StatKey(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStat, s)
	}
	return k, nil
}

// =============================================================================
// TIERS AND CATEGORIES
// =============================================================================

type Tier string

const (
	TierBronze  Tier = "bronze"
	TierSilver  Tier = "silver"
	TierGold    Tier = "gold"
	TierDiamond Tier = "diamond"
)

func (t Tier) Valid() bool {
	switch t {
	case TierBronze, TierSilver, TierGold, TierDiamond:
		return true
	}
	return false
}

type Category string

const (
	CategoryCommunity   Category = "community"
	CategoryConsistency Category = "consistency"
	CategoryMastery     Category = "mastery"
	CategorySpecial     Category = "special"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryCommunity, CategoryConsistency, CategoryMastery, CategorySpecial:
		return true
	}
	return false
}

// =============================================================================
// DEFINITION AND GRANT
// =============================================================================

// Definition is a catalog row. Static at runtime.
type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	StatKey     StatKey  `yaml:"stat_key" json:"stat_key"`
	Threshold   int64    `yaml:"threshold" json:"threshold"`
	Tier        Tier     `yaml:"tier,omitempty" json:"tier,omitempty"`
	Category    Category `yaml:"category" json:"category"`
}

// IsManual reports whether the badge is excluded from automatic evaluation.
func (d Definition) IsManual() bool { return d.StatKey == StatManual }

type Grant struct {
	UserID    ledger.UserID
	BadgeID   string
	GrantedAt time.Time
}

// Store persists counters and grants.
type Store interface {
	// IncrementCounter adds delta and returns the new value. Unknown
	// counters start at 0.
	IncrementCounter(ctx context.Context, userID ledger.UserID, key StatKey, delta int64) (int64, error)

	// IncrementCounterOnce adds delta unless eventID was already counted
	// for (userID, key). It returns the counter value either way.
	IncrementCounterOnce(ctx context.Context, userID ledger.UserID, key StatKey, delta int64, eventID string) (value int64, applied bool, err error)

	// SetCounter overwrites a counter. Used for absolute stats and backfill.
	SetCounter(ctx context.Context, userID ledger.UserID, key StatKey, value int64) error

	Counter(ctx context.Context, userID ledger.UserID, key StatKey) (int64, error)
	Counters(ctx context.Context, userID ledger.UserID) (map[StatKey]int64, error)

	// InsertGrant records g unless (UserID, BadgeID) already exists.
	// inserted=false is not an error.
	InsertGrant(ctx context.Context, g Grant) (inserted bool, err error)

	// Grants returns the user's grants, oldest first.
	Grants(ctx context.Context, userID ledger.UserID) ([]Grant, error)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrBadgeNotFound  = ledger.NewRejection("badge not found")
	ErrNotManualBadge = ledger.NewRejection("badge is granted automatically")
	ErrInvalidDelta   = ledger.NewRejection("counter delta must be positive")
	ErrManualStat     = ledger.NewRejection("manual badges have no counter")
	ErrUnknownStat    = ledger.NewRejection("unknown stat key")
)
