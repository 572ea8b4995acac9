package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
)

func TestCorruptTimestamps_AreReported(t *testing.T) {
	ctx := context.Background()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// GIVEN: One valid row of each kind
	_, err = s.ApplyCredit(ctx, ledger.Transaction{
		ID: ledger.TransactionID(uuid.NewString()), UserID: "u1", Amount: 5,
		Reason: ledger.ReasonDailyLogin, ReferenceID: "daily:2025-03-10", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = s.InsertGrant(ctx, badge.Grant{UserID: "u1", BadgeID: "firestarter_bronze", GrantedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.CreateProfile(ctx, profile.Profile{UserID: "u1", Tier: profile.TierFree, CreatedAt: time.Now()})
	require.NoError(t, err)

	// WHEN: Their timestamps are overwritten with garbage
	for _, q := range []string{
		"UPDATE transactions SET created_at = 'yesterday'",
		"UPDATE badge_grants SET granted_at = '10/03/2025'",
		"UPDATE users SET created_at = 'soon', last_login_date = 'monday'",
	} {
		_, err := s.db.ExecContext(ctx, q)
		require.NoError(t, err, q)
	}

	// THEN: Every read fails instead of returning a zero time
	_, err = s.Transactions(ctx, "u1")
	assert.ErrorContains(t, err, "failed to scan transaction")
	_, err = s.FindByReference(ctx, "u1", ledger.ReasonDailyLogin, "daily:2025-03-10")
	assert.ErrorContains(t, err, "invalid timestamp")
	_, err = s.Grants(ctx, "u1")
	assert.ErrorContains(t, err, "failed to scan grant firestarter_bronze")
	_, err = s.Profile(ctx, "u1")
	assert.ErrorContains(t, err, "failed to load profile")
	_, err = s.LoadStreak(ctx, "u1")
	assert.ErrorContains(t, err, "last_login_date")
}
