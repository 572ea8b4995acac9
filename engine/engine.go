/*
Package engine wires the ledger, streak, badge and bonus engines into one
explicitly constructed object.

PURPOSE:
  Nothing in this module is a package-level singleton. A service builds one
  Engine with New, hands it to its handlers (directly or through a
  context), and calls Close on shutdown. Tests build as many as they like
  over fakes or in-memory stores.

LIFECYCLE:
  eng, err := engine.New(engine.DefaultConfig(), engine.Deps{Store: store})
  if err != nil { ... }
  defer eng.Close()

  ctx = engine.NewContext(ctx, eng)
  ...
  eng, ok := engine.FromContext(ctx)

SEE ALSO:
  - actions.go: Registration, subscriptions and community helpers
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/bonus"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/lock"
	"github.com/warp/claves-engine/metrics"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/streak"
)

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	NewUserBonus         int64
	FreezeCost           int64
	Prices               ledger.PriceList
	Bonus                bonus.Config
	SubscriptionBonus    map[profile.Tier]int64
	ReactionRefund       int64
	AcceptedAnswerReward int64
}

func DefaultConfig() Config {
	return Config{
		NewUserBonus: 20,
		FreezeCost:   ledger.DefaultFreezeCost,
		Prices:       ledger.DefaultPrices(),
		Bonus:        bonus.DefaultConfig(),
		SubscriptionBonus: map[profile.Tier]int64{
			profile.TierAdvanced:  50,
			profile.TierPerformer: 100,
		},
		ReactionRefund:       1,
		AcceptedAnswerReward: 10,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.NewUserBonus < 0 {
		errs = append(errs, errors.New("new user bonus must not be negative"))
	}
	if c.FreezeCost <= 0 {
		errs = append(errs, errors.New("freeze cost must be positive"))
	}
	for reason, cost := range c.Prices {
		if !reason.IsDebit() {
			errs = append(errs, fmt.Errorf("price for non-debit reason %s", reason))
		}
		if cost <= 0 {
			errs = append(errs, fmt.Errorf("price for %s must be positive", reason))
		}
	}
	if c.ReactionRefund < 0 || c.AcceptedAnswerReward < 0 {
		errs = append(errs, errors.New("rewards must not be negative"))
	}
	if err := c.Bonus.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Store is everything the engines persist. store/sqlite and store/memory
// both implement it.
type Store interface {
	ledger.Store
	ledger.UserLister
	streak.Store
	badge.Store
	profile.Store
}

// Deps are the collaborators New wires together. Only Store is required.
type Deps struct {
	Store   Store
	Catalog *badge.Catalog   // default: badge.DefaultCatalog()
	Locker  lock.Locker      // default: lock.NewKeyed()
	Logger  *zap.Logger      // default: zap.NewNop()
	Metrics *metrics.Metrics // default: none
	Clock   func() time.Time // default: time.Now
	Rand    *rand.Rand       // default: randomly seeded PCG
	Closers []io.Closer      // closed by Close after the store, in order
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	cfg   Config
	store Store
	log   *zap.Logger
	now   func() time.Time

	Ledger *ledger.Engine
	Streak *streak.Engine
	Badges *badge.Engine
	Bonus  *bonus.Coordinator

	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds every engine over deps.Store.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	if deps.Catalog == nil {
		deps.Catalog = badge.DefaultCatalog()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewKeyed()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	prices := make(ledger.PriceList, len(cfg.Prices)+2)
	for r, c := range cfg.Prices {
		prices[r] = c
	}
	prices[ledger.ReasonStreakRepair] = cfg.FreezeCost
	prices[ledger.ReasonFreezePurchase] = cfg.FreezeCost

	led := ledger.NewEngine(deps.Store,
		ledger.WithLocker(deps.Locker),
		ledger.WithPrices(prices),
		ledger.WithLogger(deps.Logger.Named("ledger")),
		ledger.WithMetrics(deps.Metrics),
		ledger.WithClock(deps.Clock),
	)
	stk := streak.NewEngine(deps.Store, led,
		streak.WithLocker(deps.Locker),
		streak.WithFreezeCost(cfg.FreezeCost),
		streak.WithLogger(deps.Logger.Named("streak")),
		streak.WithMetrics(deps.Metrics),
		streak.WithClock(deps.Clock),
	)
	bdg := badge.NewEngine(deps.Store, deps.Catalog,
		badge.WithLocker(deps.Locker),
		badge.WithLogger(deps.Logger.Named("badge")),
		badge.WithMetrics(deps.Metrics),
		badge.WithClock(deps.Clock),
	)

	bonusOpts := []bonus.Option{
		bonus.WithLogger(deps.Logger.Named("bonus")),
		bonus.WithMetrics(deps.Metrics),
	}
	if deps.Rand != nil {
		bonusOpts = append(bonusOpts, bonus.WithRand(deps.Rand))
	}
	coord := bonus.NewCoordinator(cfg.Bonus, deps.Store, led, stk, bdg, bonusOpts...)

	var closers []io.Closer
	if c, ok := deps.Store.(io.Closer); ok {
		closers = append(closers, c)
	}
	closers = append(closers, deps.Closers...)

	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		log:     deps.Logger,
		now:     deps.Clock,
		Ledger:  led,
		Streak:  stk,
		Badges:  bdg,
		Bonus:   coord,
		closers: closers,
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Users lists every user the store knows, for batch jobs.
func (e *Engine) Users(ctx context.Context) ([]ledger.UserID, error) {
	return e.store.Users(ctx)
}

// Profile looks up a registered user.
func (e *Engine) Profile(ctx context.Context, userID ledger.UserID) (profile.Profile, error) {
	return e.store.Profile(ctx, userID)
}

// Close releases the store and any extra closers. Safe to call twice.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		for _, c := range e.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
		_ = e.log.Sync()
	})
	return e.closeErr
}

// =============================================================================
// CONTEXT
// =============================================================================

type ctxKey struct{}

func NewContext(ctx context.Context, e *Engine) context.Context {
	return context.WithValue(ctx, ctxKey{}, e)
}

func FromContext(ctx context.Context) (*Engine, bool) {
	e, ok := ctx.Value(ctxKey{}).(*Engine)
	return e, ok
}
