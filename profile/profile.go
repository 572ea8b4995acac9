// Package profile models the slice of the user profile the engine reads:
// existence and subscription tier. Profiles are owned by the surrounding
// application; the engine only looks them up (and creates one on
// registration).
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/claves-engine/ledger"
)

type Tier string

const (
	TierFree      Tier = "free"
	TierAdvanced  Tier = "advanced"
	TierPerformer Tier = "performer"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierAdvanced, TierPerformer:
		return true
	}
	return false
}

// IsSubscriber is true for every paid tier.
func (t Tier) IsSubscriber() bool { return t == TierAdvanced || t == TierPerformer }

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if s == "" {
		return TierFree, nil
	}
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

type Profile struct {
	UserID    ledger.UserID
	Tier      Tier
	CreatedAt time.Time
}

// Store reads and writes profiles. Profile returns ledger.ErrUserNotFound
// for unknown users.
type Store interface {
	Profile(ctx context.Context, userID ledger.UserID) (Profile, error)

	// CreateProfile inserts p. created=false if the user already existed,
	// in which case the stored profile is left untouched.
	CreateProfile(ctx context.Context, p Profile) (created bool, err error)

	SetTier(ctx context.Context, userID ledger.UserID, tier Tier) error
}
