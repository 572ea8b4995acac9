package badge_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/store/memory"
)

func newTestEngine() (*badge.Engine, *memory.Store) {
	st := memory.New()
	return badge.NewEngine(st, badge.DefaultCatalog()), st
}

func badgeIDs(grants []badge.Grant) []string {
	ids := make([]string, len(grants))
	for i, g := range grants {
		ids[i] = g.BadgeID
	}
	return ids
}

// =============================================================================
// CATALOG
// =============================================================================

func TestDefaultCatalog_IsValid(t *testing.T) {
	c := badge.DefaultCatalog()
	require.Greater(t, c.Len(), 0)

	fires := c.ForStat(badge.StatFiresReceived)
	require.Len(t, fires, 4)
	assert.Equal(t, "firestarter_bronze", fires[0].ID)
	assert.Equal(t, int64(10), fires[0].Threshold)
	assert.Equal(t, "firestarter_silver", fires[1].ID)
	assert.Equal(t, int64(50), fires[1].Threshold)

	d, ok := c.Get("founding_member")
	require.True(t, ok)
	assert.True(t, d.IsManual())
	assert.Empty(t, c.ForStat(badge.StatManual), "manual badges are never evaluated")
}

func TestLoadCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "misspelled stat key",
			yaml: "badges:\n  - {id: a, stat_key: fire_received, threshold: 1, tier: bronze, category: community}\n",
			want: "unknown stat_key",
		},
		{
			name: "duplicate id",
			yaml: "badges:\n" +
				"  - {id: a, stat_key: fires_received, threshold: 1, tier: bronze, category: community}\n" +
				"  - {id: a, stat_key: fires_received, threshold: 5, tier: silver, category: community}\n",
			want: "duplicate id",
		},
		{
			name: "manual with threshold",
			yaml: "badges:\n  - {id: m, stat_key: manual, threshold: 3, category: special}\n",
			want: "manual badges need threshold 0",
		},
		{
			name: "special with counter",
			yaml: "badges:\n  - {id: s, stat_key: posts_created, threshold: 3, tier: gold, category: special}\n",
			want: "special badges must use stat_key manual",
		},
		{
			name: "zero threshold",
			yaml: "badges:\n  - {id: z, stat_key: posts_created, threshold: 0, tier: gold, category: mastery}\n",
			want: "threshold must be positive",
		},
		{
			name: "unknown field",
			yaml: "badges:\n  - {id: u, stat_key: posts_created, threshold: 2, tier: gold, category: mastery, requirements: x}\n",
			want: "requirements",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := badge.LoadCatalog(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// =============================================================================
// EVALUATION
// =============================================================================

func TestBadgeCascade_Firestarter(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	// GIVEN: fires_received = 0
	// WHEN: 10 fire reactions arrive one at a time
	var granted []badge.Grant
	for i := 0; i < 10; i++ {
		p, err := eng.IncrementAndEvaluate(ctx, "u1", badge.StatFiresReceived, 1)
		require.NoError(t, err)
		granted = append(granted, p.Granted...)
	}

	// THEN: Exactly one grant, bronze
	assert.Equal(t, []string{"firestarter_bronze"}, badgeIDs(granted))

	// WHEN: Reaching 50
	for i := 10; i < 50; i++ {
		p, err := eng.IncrementAndEvaluate(ctx, "u1", badge.StatFiresReceived, 1)
		require.NoError(t, err)
		granted = append(granted, p.Granted...)
	}

	// THEN: Silver added, bronze neither re-granted nor revoked
	assert.Equal(t, []string{"firestarter_bronze", "firestarter_silver"}, badgeIDs(granted))
	held, err := eng.Grants(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"firestarter_bronze", "firestarter_silver"}, badgeIDs(held))
}

func TestEvaluate_Idempotent(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	first, err := eng.Evaluate(ctx, "u1", badge.StatClapsReceived, 60)
	require.NoError(t, err)
	assert.Equal(t, []string{"crowd_pleaser_bronze", "crowd_pleaser_silver"}, badgeIDs(first),
		"one evaluation grants every satisfied tier")

	second, err := eng.Evaluate(ctx, "u1", badge.StatClapsReceived, 60)
	require.NoError(t, err)
	assert.Empty(t, second)

	held, err := eng.Grants(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, held, 2)
}

func TestEvaluate_ConcurrentSameValue_SingleGrant(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := eng.Evaluate(ctx, "u1", badge.StatSolutionsAccepted, 1)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			total += len(g)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
}

func TestDailyStreak_IsAbsolute(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine()

	p, err := eng.IncrementAndEvaluate(ctx, "u1", badge.StatDailyStreak, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Value)
	assert.Equal(t, []string{"daily_groove_bronze"}, badgeIDs(p.Granted))

	// A reset streak overwrites the counter, the badge stays
	p, err = eng.IncrementAndEvaluate(ctx, "u1", badge.StatDailyStreak, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Value)

	v, err := st.Counter(ctx, "u1", badge.StatDailyStreak)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	held, err := eng.Grants(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestRecordEvent_Rejects(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	_, err := eng.RecordEvent(ctx, "u1", badge.StatPostsCreated, 0)
	assert.ErrorIs(t, err, badge.ErrInvalidDelta)

	_, err = eng.RecordEvent(ctx, "u1", badge.StatManual, 1)
	assert.ErrorIs(t, err, badge.ErrManualStat)

	_, err = eng.RecordEvent(ctx, "u1", badge.StatKey("likes"), 1)
	assert.ErrorIs(t, err, badge.ErrUnknownStat)
}

func TestIncrementAndEvaluateOnce_CountsEventOnce(t *testing.T) {
	ctx := context.Background()
	eng, st := newTestEngine()

	// GIVEN: Nine fires counted, the tenth counted but never evaluated
	for i := 0; i < 9; i++ {
		_, err := eng.IncrementAndEvaluateOnce(ctx, "u1", badge.StatFiresReceived, 1, fmt.Sprintf("reaction:fan-%d:post-1", i))
		require.NoError(t, err)
	}
	_, applied, err := st.IncrementCounterOnce(ctx, "u1", badge.StatFiresReceived, 1, "reaction:fan-9:post-1")
	require.NoError(t, err)
	require.True(t, applied)

	// WHEN: The tenth event is reported again
	p, err := eng.IncrementAndEvaluateOnce(ctx, "u1", badge.StatFiresReceived, 1, "reaction:fan-9:post-1")

	// THEN: Not counted twice, but the badge lands
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Value)
	assert.Equal(t, []string{"firestarter_bronze"}, badgeIDs(p.Granted))

	p, err = eng.IncrementAndEvaluateOnce(ctx, "u1", badge.StatFiresReceived, 1, "reaction:fan-9:post-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Value)
	assert.Empty(t, p.Granted)
}

func TestIncrementAndEvaluateOnce_Rejects(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	_, err := eng.IncrementAndEvaluateOnce(ctx, "u1", badge.StatPostsCreated, 1, "")
	assert.ErrorIs(t, err, badge.ErrInvalidDelta)

	_, err = eng.IncrementAndEvaluateOnce(ctx, "u1", badge.StatDailyStreak, 3, "daily:2025-03-10")
	assert.ErrorIs(t, err, badge.ErrInvalidDelta, "absolute stats are set, not counted")

	_, err = eng.IncrementAndEvaluateOnce(ctx, "u1", badge.StatManual, 1, "x")
	assert.ErrorIs(t, err, badge.ErrManualStat)
}

func TestRecompute_Backfill(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	// GIVEN: A grant earned live
	_, err := eng.IncrementAndEvaluate(ctx, "u1", badge.StatPostsCreated, 1)
	require.NoError(t, err)

	// WHEN: Counters are rebuilt from history, twice
	counters := map[badge.StatKey]int64{
		badge.StatPostsCreated:   12,
		badge.StatHeartsReceived: 9,
	}
	granted, err := eng.Recompute(ctx, "u1", counters)
	require.NoError(t, err)
	assert.Equal(t, []string{"on_stage_silver"}, badgeIDs(granted))

	granted, err = eng.Recompute(ctx, "u1", counters)
	require.NoError(t, err)
	assert.Empty(t, granted)

	got, err := eng.Counters(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got[badge.StatPostsCreated])
	assert.Equal(t, int64(9), got[badge.StatHeartsReceived])
}

// =============================================================================
// MANUAL GRANTS
// =============================================================================

func TestGrant_Manual(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	res, err := eng.Grant(ctx, "u1", "founding_member")
	require.NoError(t, err)
	assert.False(t, res.AlreadyGranted)

	res, err = eng.Grant(ctx, "u1", "founding_member")
	require.NoError(t, err, "granting twice is a success")
	assert.True(t, res.AlreadyGranted)

	held, err := eng.Grants(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestGrant_Rejects(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine()

	_, err := eng.Grant(ctx, "u1", "no_such_badge")
	assert.ErrorIs(t, err, badge.ErrBadgeNotFound)
	assert.True(t, ledger.IsBusinessRejection(err))

	_, err = eng.Grant(ctx, "u1", "firestarter_gold")
	assert.ErrorIs(t, err, badge.ErrNotManualBadge)
}
