/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Registration and the new-user bonus
- Status mapping of business rejections (402, 404, 409, 400)
- Daily claim, streak repair and freeze purchase over HTTP
- Community actions and admin endpoints
- Weekly reset scheduler
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claves-engine/bonus"
	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/metrics"
	"github.com/warp/claves-engine/store/memory"
	"github.com/warp/claves-engine/streak"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// Monday 2025-03-10, 09:00 UTC.
var monday = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	eng    *engine.Engine
	store  *memory.Store
	clock  *clock
	reg    *prometheus.Registry
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		clock: &clock{now: monday},
		reg:   prometheus.NewRegistry(),
	}
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Store:   f.store,
		Clock:   f.clock.Now,
		Rand:    rand.New(rand.NewPCG(7, 7)),
		Metrics: metrics.New(f.reg),
	})
	require.NoError(t, err)
	f.eng = eng

	f.server = httptest.NewServer(NewRouter(NewHandler(eng, nil), RouterOptions{Gatherer: f.reg}))
	t.Cleanup(func() {
		f.server.Close()
		eng.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out.Bytes()
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (f *fixture) register(t *testing.T, userID string) {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/api/users", RegisterRequest{UserID: userID})
	require.Equal(t, http.StatusCreated, status, string(body))
}

// =============================================================================
// USERS
// =============================================================================

func TestRegister(t *testing.T) {
	f := newFixture(t)

	// WHEN a new user registers
	status, body := f.do(t, http.MethodPost, "/api/users", RegisterRequest{UserID: "ana"})

	// THEN the profile is created with the new-user bonus
	require.Equal(t, http.StatusCreated, status)
	reg := decodeAs[RegistrationDTO](t, body)
	assert.True(t, reg.Created)
	assert.Equal(t, "free", reg.Profile.Tier)
	assert.Equal(t, int64(20), reg.Balance)

	// AND registering again credits nothing
	status, body = f.do(t, http.MethodPost, "/api/users", RegisterRequest{UserID: "ana"})
	require.Equal(t, http.StatusOK, status)
	reg = decodeAs[RegistrationDTO](t, body)
	assert.False(t, reg.Created)
	assert.Equal(t, int64(20), reg.Balance)
}

func TestRegister_Rejects(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/api/users", RegisterRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/users", RegisterRequest{UserID: "ana", Tier: "platinum"})
	assert.Equal(t, http.StatusBadRequest, status)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/users", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUser(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, body := f.do(t, http.MethodGet, "/api/users/ana", nil)
	require.Equal(t, http.StatusOK, status)
	sum := decodeAs[UserSummaryDTO](t, body)
	assert.Equal(t, "ana", sum.Profile.UserID)
	assert.Equal(t, int64(20), sum.Balance)
	assert.Zero(t, sum.Streak.CurrentStreak)
	assert.Empty(t, sum.Badges)

	status, _ = f.do(t, http.MethodGet, "/api/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSpend_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	// GIVEN a balance of 20, a stage post (15) succeeds
	status, body := f.do(t, http.MethodPost, "/api/users/ana/spend", SpendRequest{Reason: "post_stage", ReferenceID: "p1"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int64(5), decodeAs[MutationDTO](t, body).Balance)

	// WHEN a second one is attempted
	status, body = f.do(t, http.MethodPost, "/api/users/ana/spend", SpendRequest{Reason: "post_stage", ReferenceID: "p2"})

	// THEN 402 with the shortfall, and nothing changed
	require.Equal(t, http.StatusPaymentRequired, status)
	errResp := decodeAs[ErrorResponse](t, body)
	assert.Equal(t, int64(15), errResp.Required)
	assert.Equal(t, int64(5), errResp.Available)

	status, body = f.do(t, http.MethodGet, "/api/users/ana/balance", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(5), decodeAs[BalanceDTO](t, body).Balance)

	status, body = f.do(t, http.MethodGet, "/api/users/ana/transactions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeAs[[]TransactionDTO](t, body), 2)
}

func TestSpend_UnknownReason(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, _ := f.do(t, http.MethodPost, "/api/users/ana/spend", SpendRequest{Reason: "teleport", ReferenceID: "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	// Credit-only reasons have no price
	status, _ = f.do(t, http.MethodPost, "/api/users/ana/spend", SpendRequest{Reason: "daily_login", ReferenceID: "x"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, body := f.do(t, http.MethodPost, "/api/users/ana/subscription", SubscriptionRequest{Tier: "performer", ReferenceID: "pay-1"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int64(120), decodeAs[MutationDTO](t, body).Balance)

	status, body = f.do(t, http.MethodPost, "/api/users/ana/subscription", SubscriptionRequest{Tier: "performer", ReferenceID: "pay-1"})
	require.Equal(t, http.StatusOK, status)
	res := decodeAs[MutationDTO](t, body)
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(120), res.Balance)

	status, _ = f.do(t, http.MethodPost, "/api/users/ana/subscription", SubscriptionRequest{Tier: "free", ReferenceID: "pay-2"})
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// DAILY CLAIM AND STREAK
// =============================================================================

func TestClaimDaily_OncePerDay(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, body := f.do(t, http.MethodPost, "/api/users/ana/daily-claim", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	claim := decodeAs[ClaimDTO](t, body)
	assert.Equal(t, "2025-03-10", claim.Date)
	assert.Equal(t, "new", claim.Streak.Branch)
	assert.Equal(t, 1, claim.Streak.Streak)
	assert.GreaterOrEqual(t, claim.DailyAmount, int64(2))
	assert.LessOrEqual(t, claim.DailyAmount, int64(5))
	assert.Equal(t, 20+claim.DailyAmount, claim.Balance)

	status, _ = f.do(t, http.MethodPost, "/api/users/ana/daily-claim", nil)
	assert.Equal(t, http.StatusConflict, status)

	// Next day the streak grows and the bonus is paid
	f.clock.Advance(24 * time.Hour)
	status, body = f.do(t, http.MethodPost, "/api/users/ana/daily-claim", nil)
	require.Equal(t, http.StatusOK, status)
	claim = decodeAs[ClaimDTO](t, body)
	assert.Equal(t, "consecutive", claim.Streak.Branch)
	assert.Equal(t, 2, claim.Streak.Streak)
	assert.Equal(t, int64(1), claim.StreakBonus)
}

func TestClaimDaily_UnknownUser(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/api/users/ghost/daily-claim", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStreakRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "ana")

	// Nothing to repair yet
	status, _ := f.do(t, http.MethodPost, "/api/users/ana/streak/repair", nil)
	assert.Equal(t, http.StatusConflict, status)

	// GIVEN a 5-day streak left at risk with no free save left
	require.NoError(t, f.store.SaveStreak(ctx, streak.State{
		UserID:            "ana",
		CurrentStreak:     5,
		LongestStreak:     5,
		LastLoginDate:     streak.Day(monday),
		WeeklyFreebieUsed: true,
		WeeklyResetAnchor: streak.MondayOf(monday),
		AtRisk:            true,
		LastBranch:        streak.BranchBroken,
	}))

	// WHEN the user pays for the repair
	status, body := f.do(t, http.MethodPost, "/api/users/ana/streak/repair", nil)

	// THEN the streak is kept and the freeze cost is charged
	require.Equal(t, http.StatusOK, status, string(body))
	out := decodeAs[StreakOutcomeDTO](t, body)
	assert.True(t, out.Saved)
	assert.Equal(t, "repair", out.SavedBy)
	assert.Equal(t, 5, out.Streak)
	assert.Equal(t, int64(10), out.Balance)

	status, body = f.do(t, http.MethodGet, "/api/users/ana/streak", nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decodeAs[StreakDTO](t, body).AtRisk)

	status, _ = f.do(t, http.MethodPost, "/api/users/ana/streak/accept", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestBuyFreeze(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, body := f.do(t, http.MethodPost, "/api/users/ana/streak/freezes", BuyFreezeRequest{ReferenceID: "f1"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, 1, decodeAs[StreakDTO](t, body).InventoryFreezes)

	status, body = f.do(t, http.MethodPost, "/api/users/ana/streak/freezes", BuyFreezeRequest{ReferenceID: "f1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decodeAs[StreakDTO](t, body).InventoryFreezes, "replay adds nothing")

	status, _ = f.do(t, http.MethodPost, "/api/users/ana/streak/freezes", BuyFreezeRequest{ReferenceID: "f2"})
	require.Equal(t, http.StatusOK, status)

	// 20 - 10 - 10 = 0: the third purchase is refused
	status, _ = f.do(t, http.MethodPost, "/api/users/ana/streak/freezes", BuyFreezeRequest{ReferenceID: "f3"})
	assert.Equal(t, http.StatusPaymentRequired, status)

	status, _ = f.do(t, http.MethodPost, "/api/users/ana/streak/freezes", BuyFreezeRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
}

// =============================================================================
// COMMUNITY
// =============================================================================

func TestCommunityActions(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")
	f.register(t, "bob")

	status, body := f.do(t, http.MethodPost, "/api/reactions", ReactionRequest{
		ReactorID: "bob", OwnerID: "ana", Kind: "fire", ReferenceID: "post-1",
	})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int64(19), decodeAs[ActionDTO](t, body).Balance)

	status, body = f.do(t, http.MethodPost, "/api/posts", PostRequest{UserID: "ana", Kind: "lab", ReferenceID: "post-2"})
	require.Equal(t, http.StatusOK, status, string(body))
	// 20 + 1 refund - 5
	assert.Equal(t, int64(16), decodeAs[ActionDTO](t, body).Balance)

	status, _ = f.do(t, http.MethodPost, "/api/replies", ReplyRequest{UserID: "bob", ReferenceID: "reply-1"})
	require.Equal(t, http.StatusOK, status)

	status, body = f.do(t, http.MethodPost, "/api/answers/accepted", AcceptAnswerRequest{AuthorID: "bob", ReferenceID: "answer-1"})
	require.Equal(t, http.StatusOK, status)
	// 20 - 1 - 1 + 10
	assert.Equal(t, int64(28), decodeAs[ActionDTO](t, body).Balance)

	status, body = f.do(t, http.MethodGet, "/api/users/ana", nil)
	require.Equal(t, http.StatusOK, status)
	sum := decodeAs[UserSummaryDTO](t, body)
	assert.Equal(t, int64(1), sum.Stats["fires_received"])
	assert.Equal(t, int64(1), sum.Stats["posts_created"])

	status, _ = f.do(t, http.MethodPost, "/api/reactions", ReactionRequest{
		ReactorID: "bob", OwnerID: "ana", Kind: "shrug", ReferenceID: "post-1",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/posts", PostRequest{UserID: "ana", Kind: "essay", ReferenceID: "post-3"})
	assert.Equal(t, http.StatusBadRequest, status)

	// An action without a reference is refused before anything is charged
	status, _ = f.do(t, http.MethodPost, "/api/reactions", ReactionRequest{
		ReactorID: "ana", OwnerID: "bob", Kind: "fire",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = f.do(t, http.MethodPost, "/api/replies", ReplyRequest{UserID: "ana"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/users/ana", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(16), decodeAs[UserSummaryDTO](t, body).Balance)
}

func TestListBadges(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/badges", nil)
	require.Equal(t, http.StatusOK, status)
	defs := decodeAs[[]BadgeDTO](t, body)
	assert.Len(t, defs, f.eng.Badges.Catalog().Len())
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminAdjustments(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, body := f.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{UserID: "ana", Amount: 5, ReferenceID: "ticket-1"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, int64(25), decodeAs[MutationDTO](t, body).Balance)

	status, body = f.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{UserID: "ana", Amount: -10, ReferenceID: "ticket-2"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(15), decodeAs[MutationDTO](t, body).Balance)

	status, _ = f.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{UserID: "ana", Amount: -100, ReferenceID: "ticket-3"})
	assert.Equal(t, http.StatusPaymentRequired, status)

	status, _ = f.do(t, http.MethodPost, "/api/admin/adjustments", AdjustmentRequest{UserID: "ana", Amount: 0, ReferenceID: "ticket-4"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/admin/audit/ana", nil)
	require.Equal(t, http.StatusOK, status)
	audit := decodeAs[AuditDTO](t, body)
	assert.True(t, audit.Consistent)
	assert.Equal(t, int64(15), audit.Sum)
	assert.Equal(t, 3, audit.Transactions)
}

func TestAdminAudit_ReportsDrift(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")
	f.store.SetBalance("ana", 99)

	status, body := f.do(t, http.MethodGet, "/api/admin/audit/ana", nil)
	require.Equal(t, http.StatusOK, status)
	audit := decodeAs[AuditDTO](t, body)
	assert.False(t, audit.Consistent)
	assert.Equal(t, int64(99), audit.Balance)
	assert.Equal(t, int64(20), audit.Sum)
}

func TestAdminGrantBadge(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, body := f.do(t, http.MethodPost, "/api/admin/badges/grants", GrantRequest{UserID: "ana", BadgeID: "founding_member"})
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.False(t, decodeAs[GrantResultDTO](t, body).AlreadyGranted)

	status, body = f.do(t, http.MethodPost, "/api/admin/badges/grants", GrantRequest{UserID: "ana", BadgeID: "founding_member"})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decodeAs[GrantResultDTO](t, body).AlreadyGranted)

	status, _ = f.do(t, http.MethodPost, "/api/admin/badges/grants", GrantRequest{UserID: "ana", BadgeID: "unicorn"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/api/admin/badges/grants", GrantRequest{UserID: "ana", BadgeID: "firestarter_bronze"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/users/ana/badges", nil)
	require.Equal(t, http.StatusOK, status)
	grants := decodeAs[[]GrantDTO](t, body)
	require.Len(t, grants, 1)
	assert.Equal(t, "founding_member", grants[0].BadgeID)
}

func TestAdminWeeklyReset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveStreak(context.Background(), streak.State{
		UserID:            "ana",
		CurrentStreak:     3,
		LastLoginDate:     streak.Day(monday),
		WeeklyFreebieUsed: true,
		WeeklyResetAnchor: streak.MondayOf(monday),
	}))

	f.clock.Advance(7 * 24 * time.Hour)
	status, body := f.do(t, http.MethodPost, "/api/admin/weekly-reset", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decodeAs[ResetDTO](t, body).Reset)

	status, body = f.do(t, http.MethodGet, "/api/users/ana/streak", nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decodeAs[StreakDTO](t, body).WeeklyFreebieUsed)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.register(t, "ana")

	status, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "claves_ledger_mutations_total")
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ledger.InsufficientFundsError{UserID: "u", Required: 3, Available: 1}, http.StatusPaymentRequired},
		{fmt.Errorf("claim: %w", bonus.ErrAlreadyClaimedToday), http.StatusConflict},
		{streak.ErrNotAtRisk, http.StatusConflict},
		{&streak.AtRiskError{UserID: "u"}, http.StatusConflict},
		{fmt.Errorf("load: %w", ledger.ErrUserNotFound), http.StatusNotFound},
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{engine.ErrUnknownKind, http.StatusBadRequest},
		{fmt.Errorf("react: %w", engine.ErrMissingReference), http.StatusBadRequest},
		{&ledger.IntegrityError{Kind: ledger.IntegrityNegativeBalance}, http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestWeeklyResetScheduler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveStreak(context.Background(), streak.State{
		UserID:            "ana",
		WeeklyFreebieUsed: true,
		WeeklyResetAnchor: streak.MondayOf(monday),
	}))
	f.clock.Advance(7 * 24 * time.Hour)

	s := NewWeeklyResetScheduler(f.eng, nil)
	assert.True(t, s.LastRun().IsZero())
	assert.Equal(t, 1, s.RunNow(context.Background()))
	assert.Equal(t, 0, s.RunNow(context.Background()), "reset is idempotent within a week")
	assert.False(t, s.LastRun().IsZero())

	// Start runs a sweep immediately; Stop waits for it
	s.CheckInterval = time.Hour
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

func TestWeeklyResetScheduler_Disabled(t *testing.T) {
	f := newFixture(t)
	s := NewWeeklyResetScheduler(f.eng, nil)
	s.Enabled = false
	s.Start()
	s.Stop()
	assert.True(t, s.LastRun().IsZero())
}
