/*
engine.go - The Badge Engine

PURPOSE:
  Keeps the counters and grants badges as they cross thresholds.

ENTRY POINTS:
  IncrementAndEvaluate  every call site (reactions, replies, solutions,
                        streak changes) goes through this one
  RecordEvent           counter only
  Evaluate              grants only, idempotent for a given value
  Grant                 administrative, special badges only

IDEMPOTENCY:
  Evaluate never checks before inserting. It asks the store to insert each
  qualifying grant and the (user_id, badge_id) uniqueness decides. Running
  it twice, concurrently, or during a backfill cannot double-grant.

SEE ALSO:
  - types.go: StatKey, Definition, Store
  - catalog.go: Thresholds
*/
package badge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/lock"
	"github.com/warp/claves-engine/metrics"
)

type Engine struct {
	store   Store
	catalog *Catalog
	locker  lock.Locker
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Engine)

func WithLocker(l lock.Locker) Option       { return func(e *Engine) { e.locker = l } }
func WithLogger(l *zap.Logger) Option       { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, catalog *Catalog, opts ...Option) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	e := &Engine{
		store:   store,
		catalog: catalog,
		locker:  lock.NewKeyed(),
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Catalog() *Catalog { return e.catalog }

// Progress is the result of IncrementAndEvaluate.
type Progress struct {
	Key     StatKey
	Value   int64
	Granted []Grant // newly granted by this call, lowest threshold first
}

// =============================================================================
// COUNTERS
// =============================================================================

// RecordEvent adds delta to the counter and returns the new value. For
// absolute stats (daily_streak) delta is the observed value and replaces
// the counter.
func (e *Engine) RecordEvent(ctx context.Context, userID ledger.UserID, key StatKey, delta int64) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	if key.Absolute() {
		if delta < 0 {
			return 0, fmt.Errorf("%w: %s = %d", ErrInvalidDelta, key, delta)
		}
		if err := e.store.SetCounter(ctx, userID, key, delta); err != nil {
			return 0, fmt.Errorf("set %s: %w", key, err)
		}
		return delta, nil
	}
	if delta <= 0 {
		return 0, fmt.Errorf("%w: %s += %d", ErrInvalidDelta, key, delta)
	}

	v, err := e.store.IncrementCounter(ctx, userID, key, delta)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return v, nil
}

// Counters returns every stored counter for the user.
func (e *Engine) Counters(ctx context.Context, userID ledger.UserID) (map[StatKey]int64, error) {
	return e.store.Counters(ctx, userID)
}

// =============================================================================
// EVALUATION
// =============================================================================

// Evaluate grants every automatic badge on key whose threshold <= value
// and that the user does not hold yet. Returns only the new grants.
func (e *Engine) Evaluate(ctx context.Context, userID ledger.UserID, key StatKey, value int64) ([]Grant, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	var granted []Grant
	for _, def := range e.catalog.ForStat(key) {
		if def.Threshold > value {
			break
		}
		g := Grant{UserID: userID, BadgeID: def.ID, GrantedAt: e.now().UTC()}
		inserted, err := e.store.InsertGrant(ctx, g)
		if err != nil {
			return granted, fmt.Errorf("grant %s: %w", def.ID, err)
		}
		if !inserted {
			continue
		}
		granted = append(granted, g)
		e.metrics.BadgeGranted(def.ID)
		e.log.Info("badge granted",
			zap.String("user_id", string(userID)),
			zap.String("badge_id", def.ID),
			zap.String("stat_key", string(key)),
			zap.Int64("value", value))
	}
	return granted, nil
}

// IncrementAndEvaluate is RecordEvent followed by Evaluate on the new value.
func (e *Engine) IncrementAndEvaluate(ctx context.Context, userID ledger.UserID, key StatKey, delta int64) (Progress, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return Progress{}, fmt.Errorf("lock stats %s: %w", userID, err)
	}
	defer unlock()

	v, err := e.RecordEvent(ctx, userID, key, delta)
	if err != nil {
		return Progress{}, err
	}
	granted, err := e.Evaluate(ctx, userID, key, v)
	return Progress{Key: key, Value: v, Granted: granted}, err
}

// IncrementAndEvaluateOnce counts eventID at most once, then evaluates the
// current value. A retry of an interrupted action therefore completes its
// counter and grants without counting twice.
func (e *Engine) IncrementAndEvaluateOnce(ctx context.Context, userID ledger.UserID, key StatKey, delta int64, eventID string) (Progress, error) {
	if err := checkKey(key); err != nil {
		return Progress{}, err
	}
	if key.Absolute() || delta <= 0 {
		return Progress{}, fmt.Errorf("%w: %s += %d", ErrInvalidDelta, key, delta)
	}
	if eventID == "" {
		return Progress{}, fmt.Errorf("%w: %s without event id", ErrInvalidDelta, key)
	}

	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return Progress{}, fmt.Errorf("lock stats %s: %w", userID, err)
	}
	defer unlock()

	v, applied, err := e.store.IncrementCounterOnce(ctx, userID, key, delta, eventID)
	if err != nil {
		return Progress{}, fmt.Errorf("increment %s: %w", key, err)
	}
	if !applied {
		e.log.Debug("stat event already counted",
			zap.String("user_id", string(userID)),
			zap.String("stat_key", string(key)),
			zap.String("event_id", eventID))
	}
	granted, err := e.Evaluate(ctx, userID, key, v)
	return Progress{Key: key, Value: v, Granted: granted}, err
}

// Recompute overwrites counters with values rebuilt from history and
// evaluates each one. Safe to run repeatedly; grants already held are
// never duplicated or revoked.
func (e *Engine) Recompute(ctx context.Context, userID ledger.UserID, counters map[StatKey]int64) ([]Grant, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return nil, fmt.Errorf("lock stats %s: %w", userID, err)
	}
	defer unlock()

	var granted []Grant
	for _, key := range StatKeys() {
		v, ok := counters[key]
		if !ok {
			continue
		}
		if v < 0 {
			return granted, fmt.Errorf("%w: %s = %d", ErrInvalidDelta, key, v)
		}
		if err := e.store.SetCounter(ctx, userID, key, v); err != nil {
			return granted, fmt.Errorf("set %s: %w", key, err)
		}
		g, err := e.Evaluate(ctx, userID, key, v)
		granted = append(granted, g...)
		if err != nil {
			return granted, err
		}
	}
	return granted, nil
}

// =============================================================================
// MANUAL GRANTS
// =============================================================================

type GrantResult struct {
	Grant          Grant
	AlreadyGranted bool
}

// Grant awards a special badge. Granting a badge the user already holds
// succeeds with AlreadyGranted=true.
func (e *Engine) Grant(ctx context.Context, userID ledger.UserID, badgeID string) (GrantResult, error) {
	if userID == "" {
		return GrantResult{}, ledger.ErrUserNotFound
	}
	def, ok := e.catalog.Get(badgeID)
	if !ok {
		return GrantResult{}, fmt.Errorf("%w: %s", ErrBadgeNotFound, badgeID)
	}
	if !def.IsManual() {
		return GrantResult{}, fmt.Errorf("%w: %s", ErrNotManualBadge, badgeID)
	}

	g := Grant{UserID: userID, BadgeID: badgeID, GrantedAt: e.now().UTC()}
	inserted, err := e.store.InsertGrant(ctx, g)
	if err != nil {
		return GrantResult{}, fmt.Errorf("grant %s: %w", badgeID, err)
	}
	if !inserted {
		return GrantResult{Grant: g, AlreadyGranted: true}, nil
	}

	e.metrics.BadgeGranted(badgeID)
	e.log.Info("manual badge granted",
		zap.String("user_id", string(userID)),
		zap.String("badge_id", badgeID))
	return GrantResult{Grant: g}, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Grants returns the user's badges. A repeated badge id means the store's
// uniqueness guarantee failed and is reported as an integrity violation.
func (e *Engine) Grants(ctx context.Context, userID ledger.UserID) ([]Grant, error) {
	grants, err := e.store.Grants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}

	seen := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		if _, dup := seen[g.BadgeID]; dup {
			e.metrics.IntegrityViolation(string(ledger.IntegrityDuplicateGrant))
			e.log.Error("duplicate badge grant",
				zap.String("user_id", string(userID)),
				zap.String("badge_id", g.BadgeID))
			return grants, &ledger.IntegrityError{
				Kind:   ledger.IntegrityDuplicateGrant,
				UserID: userID,
				Detail: "badge " + g.BadgeID + " granted twice",
			}
		}
		seen[g.BadgeID] = struct{}{}
	}
	return grants, nil
}

func checkKey(key StatKey) error {
	if key == StatManual {
		return ErrManualStat
	}
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStat, key)
	}
	return nil
}

func lockKey(userID ledger.UserID) string { return "stats:" + string(userID) }
