// Package storetest holds the behavioral contract every engine store must
// satisfy. Store packages call Run from their own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/streak"
)

// Store is the union of the engine storage interfaces.
type Store interface {
	ledger.Store
	ledger.UserLister
	streak.Store
	badge.Store
	profile.Store
}

// Run executes the whole contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreditAndDebit", func(t *testing.T) { testCreditAndDebit(t, newStore(t)) })
	t.Run("DebitInsufficient", func(t *testing.T) { testDebitInsufficient(t, newStore(t)) })
	t.Run("DuplicateReference", func(t *testing.T) { testDuplicateReference(t, newStore(t)) })
	t.Run("ConcurrentDebits", func(t *testing.T) { testConcurrentDebits(t, newStore(t)) })
	t.Run("Streak", func(t *testing.T) { testStreak(t, newStore(t)) })
	t.Run("Counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("Grants", func(t *testing.T) { testGrants(t, newStore(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
}

func newTx(user ledger.UserID, amount int64, reason ledger.Reason, ref string) ledger.Transaction {
	return ledger.Transaction{
		ID:          ledger.TransactionID(uuid.NewString()),
		UserID:      user,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: ref,
		CreatedAt:   time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC),
	}
}

func testCreditAndDebit(t *testing.T, s Store) {
	ctx := context.Background()

	balance, err := s.ApplyCredit(ctx, newTx("u1", 20, ledger.ReasonNewUserBonus, "signup"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	ok, balance, err := s.ApplyDebit(ctx, newTx("u1", -15, ledger.ReasonPostStage, "p1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), balance)

	got, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(20), txs[0].Amount, "oldest first")
	assert.Equal(t, int64(-15), txs[1].Amount)
	assert.Equal(t, "p1", txs[1].ReferenceID)

	found, err := s.FindByReference(ctx, "u1", ledger.ReasonPostStage, "p1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, txs[1].ID, found.ID)

	missing, err := s.FindByReference(ctx, "u1", ledger.ReasonPostStage, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	unknown, err := s.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, unknown)
}

func testDebitInsufficient(t *testing.T, s Store) {
	ctx := context.Background()

	// Unknown user
	ok, balance, err := s.ApplyDebit(ctx, newTx("u1", -1, ledger.ReasonReaction, ""))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, balance)

	_, err = s.ApplyCredit(ctx, newTx("u1", 3, ledger.ReasonDailyLogin, ""))
	require.NoError(t, err)

	ok, balance, err = s.ApplyDebit(ctx, newTx("u1", -5, ledger.ReasonPostLab, "lab"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), balance)

	txs, err := s.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 1, "rejected debit appends nothing")

	found, err := s.FindByReference(ctx, "u1", ledger.ReasonPostLab, "lab")
	require.NoError(t, err)
	assert.Nil(t, found, "a rejected debit does not burn its reference")
}

func testDuplicateReference(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.ApplyCredit(ctx, newTx("u1", 5, ledger.ReasonDailyLogin, "daily:2025-03-10"))
	require.NoError(t, err)
	_, err = s.ApplyCredit(ctx, newTx("u1", 5, ledger.ReasonDailyLogin, "daily:2025-03-10"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	// Same reference, other user or other reason: independent
	_, err = s.ApplyCredit(ctx, newTx("u2", 5, ledger.ReasonDailyLogin, "daily:2025-03-10"))
	require.NoError(t, err)
	_, err = s.ApplyCredit(ctx, newTx("u1", 1, ledger.ReasonStreakBonus, "daily:2025-03-10"))
	require.NoError(t, err)

	// Empty references never collide
	_, err = s.ApplyCredit(ctx, newTx("u1", 1, ledger.ReasonAdminAdjustment, ""))
	require.NoError(t, err)
	_, err = s.ApplyCredit(ctx, newTx("u1", 1, ledger.ReasonAdminAdjustment, ""))
	require.NoError(t, err)

	// Duplicate debit is reported before the balance check
	ok, _, err := s.ApplyDebit(ctx, newTx("u1", -1, ledger.ReasonReaction, "r1"))
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = s.ApplyDebit(ctx, newTx("u1", -1000, ledger.ReasonReaction, "r1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}

func testConcurrentDebits(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.ApplyCredit(ctx, newTx("u1", 10, ledger.ReasonNewUserBonus, ""))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		n  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := s.ApplyDebit(ctx, newTx("u1", -4, ledger.ReasonPostLab, ""))
			if !assert.NoError(t, err) {
				return
			}
			if ok {
				mu.Lock()
				n++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, n)
	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func testStreak(t *testing.T, s Store) {
	ctx := context.Background()

	st, err := s.LoadStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, streak.State{UserID: "u1"}, st, "unknown user is zero state")

	want := streak.State{
		UserID:            "u1",
		CurrentStreak:     4,
		LongestStreak:     9,
		LastLoginDate:     time.Date(2025, time.March, 12, 0, 0, 0, 0, time.UTC),
		WeeklyFreebieUsed: true,
		WeeklyResetAnchor: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		InventoryFreezes:  2,
		AtRisk:            true,
		LastBranch:        streak.BranchBroken,
		FreezesPurchased:  3,
	}
	require.NoError(t, s.SaveStreak(ctx, want))

	got, err := s.LoadStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Streak writes leave the balance alone and vice versa
	_, err = s.ApplyCredit(ctx, newTx("u1", 7, ledger.ReasonDailyLogin, ""))
	require.NoError(t, err)
	want.CurrentStreak = 5
	require.NoError(t, s.SaveStreak(ctx, want))

	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
	got, err = s.LoadStreak(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.CurrentStreak)
}

func testCounters(t *testing.T, s Store) {
	ctx := context.Background()

	v, err := s.IncrementCounter(ctx, "u1", badge.StatFiresReceived, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = s.IncrementCounter(ctx, "u1", badge.StatFiresReceived, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	require.NoError(t, s.SetCounter(ctx, "u1", badge.StatDailyStreak, 12))
	require.NoError(t, s.SetCounter(ctx, "u1", badge.StatDailyStreak, 3))

	got, err := s.Counter(ctx, "u1", badge.StatDailyStreak)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	zero, err := s.Counter(ctx, "u1", badge.StatPostsCreated)
	require.NoError(t, err)
	assert.Zero(t, zero)

	// Counted events apply once per (user, stat, event)
	v, applied, err := s.IncrementCounterOnce(ctx, "u1", badge.StatRepliesCreated, 1, "comment:c1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), v)
	v, applied, err = s.IncrementCounterOnce(ctx, "u1", badge.StatRepliesCreated, 1, "comment:c1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(1), v)
	v, applied, err = s.IncrementCounterOnce(ctx, "u2", badge.StatRepliesCreated, 1, "comment:c1")
	require.NoError(t, err)
	assert.True(t, applied, "event ids are per user")
	assert.Equal(t, int64(1), v)

	all, err := s.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[badge.StatKey]int64{
		badge.StatFiresReceived:  5,
		badge.StatDailyStreak:    3,
		badge.StatRepliesCreated: 1,
	}, all)
}

func testGrants(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	inserted, err := s.InsertGrant(ctx, badge.Grant{UserID: "u1", BadgeID: "firestarter_bronze", GrantedAt: at})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertGrant(ctx, badge.Grant{UserID: "u1", BadgeID: "firestarter_bronze", GrantedAt: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = s.InsertGrant(ctx, badge.Grant{UserID: "u2", BadgeID: "firestarter_bronze", GrantedAt: at})
	require.NoError(t, err)
	assert.True(t, inserted)

	grants, err := s.Grants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, at, grants[0].GrantedAt.UTC(), "first grant wins")
}

func testProfiles(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Profile(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)

	// A ledger write alone does not register a user
	_, err = s.ApplyCredit(ctx, newTx("u1", 1, ledger.ReasonAdminAdjustment, ""))
	require.NoError(t, err)
	_, err = s.Profile(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrUserNotFound)

	created, err := s.CreateProfile(ctx, profile.Profile{UserID: "u1", Tier: profile.TierAdvanced, CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateProfile(ctx, profile.Profile{UserID: "u1", Tier: profile.TierFree, CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, created)

	p, err := s.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, profile.TierAdvanced, p.Tier, "existing profile untouched")

	require.NoError(t, s.SetTier(ctx, "u1", profile.TierPerformer))
	p, err = s.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, profile.TierPerformer, p.Tier)

	assert.ErrorIs(t, s.SetTier(ctx, "ghost", profile.TierFree), ledger.ErrUserNotFound)

	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance, "registration keeps an earlier balance")
}

func testUsers(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.ApplyCredit(ctx, newTx("b", 1, ledger.ReasonDailyLogin, ""))
	require.NoError(t, err)
	require.NoError(t, s.SaveStreak(ctx, streak.State{UserID: "a", CurrentStreak: 1}))
	_, err = s.IncrementCounter(ctx, "c", badge.StatPostsCreated, 1)
	require.NoError(t, err)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.UserID{"a", "b", "c"}, users)
}
