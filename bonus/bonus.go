/*
Package bonus runs the once-per-day login reward.

PURPOSE:
  Claim is what a client calls on login. It evaluates the streak, credits
  the tier's random daily amount, adds the flat streak bonus on a
  consecutive day, and feeds the absolute streak into the badge engine.

AT-MOST-ONCE PER DAY:
  The streak engine's SAME_DAY branch is the gate. Both credits carry a
  date-scoped reference ("daily:2025-03-10", "streak:2025-03-10") so a
  replay cannot credit twice even if the gate is bypassed.

RETRY AFTER A PARTIAL FAILURE:
  If the streak evaluation committed but a later step failed, the retry
  lands on SAME_DAY. The coordinator looks up today's credits, using the
  branch recorded at first login:
    - daily_login missing, or streak_bonus missing on a consecutive day:
      resume steps 2-4 (credits already applied replay as no-ops)
    - both present: re-run step 4, which is idempotent. If it grants
      nothing the day is done and the call gets ErrAlreadyClaimedToday

SEE ALSO:
  - streak/streak.go: Evaluate
  - badge/engine.go: IncrementAndEvaluate
*/
package bonus

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/metrics"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/streak"
)

// ErrAlreadyClaimedToday is returned for every claim after the first
// completed one of a calendar day.
var ErrAlreadyClaimedToday = ledger.NewRejection("daily bonus already claimed today")

// =============================================================================
// CONFIG
// =============================================================================

// Range is an inclusive [Min, Max] amount of claves.
type Range struct {
	Min int64 `mapstructure:"min" json:"min"`
	Max int64 `mapstructure:"max" json:"max"`
}

// Pick draws uniformly from the range.
func (r Range) Pick(rng *rand.Rand) int64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Int64N(r.Max-r.Min+1)
}

type Config struct {
	DailyRanges map[profile.Tier]Range
	StreakBonus map[profile.Tier]int64
}

func DefaultConfig() Config {
	return Config{
		DailyRanges: map[profile.Tier]Range{
			profile.TierFree:      {Min: 2, Max: 5},
			profile.TierAdvanced:  {Min: 5, Max: 10},
			profile.TierPerformer: {Min: 5, Max: 10},
		},
		StreakBonus: map[profile.Tier]int64{
			profile.TierFree:      1,
			profile.TierAdvanced:  2,
			profile.TierPerformer: 2,
		},
	}
}

// Validate requires a positive range and a non-negative streak bonus for
// every tier.
func (c Config) Validate() error {
	for _, tier := range []profile.Tier{profile.TierFree, profile.TierAdvanced, profile.TierPerformer} {
		r, ok := c.DailyRanges[tier]
		if !ok {
			return fmt.Errorf("bonus: no daily range for tier %s", tier)
		}
		if r.Min <= 0 || r.Max < r.Min {
			return fmt.Errorf("bonus: invalid daily range for tier %s: [%d,%d]", tier, r.Min, r.Max)
		}
		if c.StreakBonus[tier] < 0 {
			return fmt.Errorf("bonus: negative streak bonus for tier %s", tier)
		}
	}
	return nil
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Claim is the result of one daily login.
type Claim struct {
	UserID      ledger.UserID
	Date        time.Time
	Tier        profile.Tier
	Streak      streak.Outcome
	DailyAmount int64
	StreakBonus int64
	Balance     int64
	NewBadges   []badge.Grant

	// Resumed is true when this call finished a claim an earlier call
	// started but did not complete.
	Resumed bool
}

type Coordinator struct {
	cfg      Config
	profiles profile.Store
	ledger   *ledger.Engine
	streak   *streak.Engine
	badges   *badge.Engine
	log      *zap.Logger
	metrics  *metrics.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option       { return func(c *Coordinator) { c.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithRand injects the random source. Tests pass a seeded PCG.
func WithRand(r *rand.Rand) Option { return func(c *Coordinator) { c.rng = r } }

func NewCoordinator(cfg Config, profiles profile.Store, l *ledger.Engine, s *streak.Engine, b *badge.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		profiles: profiles,
		ledger:   l,
		streak:   s,
		badges:   b,
		log:      zap.NewNop(),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim runs the daily login flow for userID.
func (c *Coordinator) Claim(ctx context.Context, userID ledger.UserID) (Claim, error) {
	p, err := c.profiles.Profile(ctx, userID)
	if err != nil {
		return Claim{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	tier := p.Tier
	if !tier.Valid() {
		tier = profile.TierFree
	}

	// 1. Streak
	out, err := c.streak.Evaluate(ctx, userID)
	if err != nil {
		c.metrics.DailyClaim(string(tier), metrics.OutcomeFailed)
		return Claim{}, err
	}

	date := out.Date.Format("2006-01-02")
	claim := Claim{UserID: userID, Date: out.Date, Tier: tier, Streak: out}
	branch := out.Branch

	if out.Branch == streak.BranchSameDay {
		branch = out.FirstBranch
		pending, err := c.collect(ctx, &claim, branch, date)
		if err != nil {
			c.metrics.DailyClaim(string(tier), metrics.OutcomeFailed)
			return claim, err
		}
		claim.Resumed = true
		if !pending {
			return c.finishDay(ctx, claim)
		}
		c.log.Info("resuming interrupted daily claim",
			zap.String("user_id", string(userID)),
			zap.String("date", date),
			zap.String("branch", string(branch)))
	}

	// 2. Daily amount
	amount := c.pick(tier)
	res, err := c.ledger.Credit(ctx, userID, amount, ledger.ReasonDailyLogin, dailyRef(date))
	if err != nil {
		c.metrics.DailyClaim(string(tier), metrics.OutcomeFailed)
		return claim, fmt.Errorf("credit daily bonus: %w", err)
	}
	claim.DailyAmount = res.Transaction.Amount
	claim.Balance = res.Balance

	// 3. Streak bonus
	if branch == streak.BranchConsecutive {
		if bonus := c.cfg.StreakBonus[tier]; bonus > 0 {
			res, err := c.ledger.Credit(ctx, userID, bonus, ledger.ReasonStreakBonus, streakRef(date))
			if err != nil {
				c.metrics.DailyClaim(string(tier), metrics.OutcomeFailed)
				return claim, fmt.Errorf("credit streak bonus: %w", err)
			}
			claim.StreakBonus = res.Transaction.Amount
			claim.Balance = res.Balance
		}
	}

	// 4. Badges on the absolute streak
	progress, err := c.badges.IncrementAndEvaluate(ctx, userID, badge.StatDailyStreak, int64(out.Streak))
	claim.NewBadges = progress.Granted
	if err != nil {
		c.metrics.DailyClaim(string(tier), metrics.OutcomeFailed)
		return claim, fmt.Errorf("evaluate streak badges: %w", err)
	}

	c.metrics.DailyClaim(string(tier), metrics.OutcomeApplied)
	c.log.Info("daily bonus claimed",
		zap.String("user_id", string(userID)),
		zap.String("tier", string(tier)),
		zap.String("branch", string(branch)),
		zap.Int("streak", out.Streak),
		zap.Int64("daily", claim.DailyAmount),
		zap.Int64("streak_bonus", claim.StreakBonus),
		zap.Int64("balance", claim.Balance))
	return claim, nil
}

// collect fills claim with the credits already applied for date and reports
// whether any step 2-3 credit is still missing.
func (c *Coordinator) collect(ctx context.Context, claim *Claim, branch streak.Branch, date string) (bool, error) {
	daily, err := c.ledger.Lookup(ctx, claim.UserID, ledger.ReasonDailyLogin, dailyRef(date))
	if err != nil {
		return false, fmt.Errorf("check daily credit: %w", err)
	}
	pending := daily == nil
	if daily != nil {
		claim.DailyAmount = daily.Amount
	}

	if branch == streak.BranchConsecutive && c.cfg.StreakBonus[claim.Tier] > 0 {
		bonus, err := c.ledger.Lookup(ctx, claim.UserID, ledger.ReasonStreakBonus, streakRef(date))
		if err != nil {
			return false, fmt.Errorf("check streak bonus: %w", err)
		}
		if bonus == nil {
			pending = true
		} else {
			claim.StreakBonus = bonus.Amount
		}
	}
	return pending, nil
}

// finishDay handles a same-day claim whose credits are all present. Step 4
// runs again so a badge evaluation that failed earlier still lands.
func (c *Coordinator) finishDay(ctx context.Context, claim Claim) (Claim, error) {
	progress, err := c.badges.IncrementAndEvaluate(ctx, claim.UserID, badge.StatDailyStreak, int64(claim.Streak.Streak))
	claim.NewBadges = progress.Granted
	if err != nil {
		c.metrics.DailyClaim(string(claim.Tier), metrics.OutcomeFailed)
		return claim, fmt.Errorf("evaluate streak badges: %w", err)
	}
	if len(claim.NewBadges) == 0 {
		c.metrics.DailyClaim(string(claim.Tier), metrics.OutcomeRejected)
		return claim, ErrAlreadyClaimedToday
	}

	balance, err := c.ledger.Balance(ctx, claim.UserID)
	if err != nil {
		return claim, fmt.Errorf("load balance: %w", err)
	}
	claim.Balance = balance
	c.metrics.DailyClaim(string(claim.Tier), metrics.OutcomeApplied)
	c.log.Info("daily claim badges completed",
		zap.String("user_id", string(claim.UserID)),
		zap.Int("streak", claim.Streak.Streak),
		zap.Int("new_badges", len(claim.NewBadges)))
	return claim, nil
}

func (c *Coordinator) pick(tier profile.Tier) int64 {
	r, ok := c.cfg.DailyRanges[tier]
	if !ok {
		r = c.cfg.DailyRanges[profile.TierFree]
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return r.Pick(c.rng)
}

func dailyRef(date string) string  { return "daily:" + date }
func streakRef(date string) string { return "streak:" + date }
