/*
streak.go - The Streak Engine

PURPOSE:
  Evaluates a login against the persisted State and writes the result back
  in one step under a per-user lock. Free saves (weekly freebie, inventory
  freeze) happen automatically. The paid repair is never taken on the
  user's behalf: Evaluate only reports the streak at risk, and the caller
  follows up with Repair or AcceptBroken.

BRANCHES:
  NEW          no prior login             streak = 1
  SAME_DAY     last login today           no mutation
  CONSECUTIVE  last login yesterday       streak + 1
  BROKEN       older, or still at risk    freeze resolution

  A pending at-risk flag survives later logins: each login retries the
  free saves (a new week may have brought a fresh freebie) and keeps
  reporting at risk until resolved. The streak does not grow meanwhile.

LOCK ORDER:
  "streak:<user>" is taken before the ledger's own "ledger:<user>" lock,
  never the other way round.

SEE ALSO:
  - types.go: State, Outcome, errors
  - bonus/bonus.go: The coordinator that calls Evaluate on login
*/
package streak

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/lock"
	"github.com/warp/claves-engine/metrics"
)

const dateLayout = "2006-01-02"

// Ledger is the slice of the ledger engine the streak engine spends through.
type Ledger interface {
	Debit(ctx context.Context, userID ledger.UserID, amount int64, reason ledger.Reason, referenceID string) (ledger.Result, error)
	Balance(ctx context.Context, userID ledger.UserID) (int64, error)
	Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      Store
	ledger     Ledger
	locker     lock.Locker
	freezeCost int64
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Option func(*Engine)

func WithLocker(l lock.Locker) Option       { return func(e *Engine) { e.locker = l } }
func WithFreezeCost(c int64) Option         { return func(e *Engine) { e.freezeCost = c } }
func WithLogger(l *zap.Logger) Option       { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, l Ledger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		ledger:     l,
		locker:     lock.NewKeyed(),
		freezeCost: ledger.DefaultFreezeCost,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FreezeCost is the price of both a repair and an inventory freeze.
func (e *Engine) FreezeCost() int64 { return e.freezeCost }

// Today is the engine clock's current UTC calendar day.
func (e *Engine) Today() time.Time { return Day(e.now()) }

// =============================================================================
// EVALUATE
// =============================================================================

// Evaluate records a login for today. An at-risk outcome is not an error;
// use Outcome.Err to get the typed rejection for display.
func (e *Engine) Evaluate(ctx context.Context, userID ledger.UserID) (Outcome, error) {
	if userID == "" {
		return Outcome{}, ledger.ErrUserNotFound
	}
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return Outcome{}, fmt.Errorf("lock streak %s: %w", userID, err)
	}
	defer unlock()

	st, err := e.load(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}

	today := e.Today()
	weekReset := applyWeeklyReset(&st, today)

	out := Outcome{UserID: userID, Date: today}
	switch {
	case st.LastLoginDate.IsZero():
		out.Branch = BranchNew
		st.CurrentStreak = 1

	case !today.After(st.LastLoginDate):
		// Same day, or a clock that went backwards. Nothing to record
		// beyond a weekly reset that may have become due.
		if weekReset {
			if err := e.save(ctx, st); err != nil {
				return Outcome{}, err
			}
		}
		out.Branch = BranchSameDay
		out.FirstBranch = st.LastBranch
		e.fill(&out, st)
		if st.AtRisk {
			if err := e.markAtRisk(ctx, &out); err != nil {
				return Outcome{}, err
			}
		}
		e.metrics.StreakEvaluated(string(BranchSameDay))
		return out, nil

	case st.AtRisk || DaysBetween(st.LastLoginDate, today) > 1:
		out.Branch = BranchBroken
		switch {
		case !st.WeeklyFreebieUsed:
			st.WeeklyFreebieUsed = true
			st.AtRisk = false
			out.Saved, out.SavedBy = true, SavedByFreebie
		case st.InventoryFreezes > 0:
			st.InventoryFreezes--
			st.AtRisk = false
			out.Saved, out.SavedBy = true, SavedByFreeze
		default:
			st.AtRisk = true
		}

	default:
		out.Branch = BranchConsecutive
		st.CurrentStreak++
	}

	st.LastLoginDate = today
	st.LastBranch = out.Branch
	if st.CurrentStreak > st.LongestStreak {
		st.LongestStreak = st.CurrentStreak
	}
	if err := e.save(ctx, st); err != nil {
		return Outcome{}, err
	}

	out.FirstBranch = out.Branch
	e.fill(&out, st)
	if st.AtRisk {
		if err := e.markAtRisk(ctx, &out); err != nil {
			return Outcome{}, err
		}
	}

	e.metrics.StreakEvaluated(string(out.Branch))
	if out.Saved {
		e.metrics.StreakSaved(string(out.SavedBy))
	}
	e.log.Debug("login evaluated",
		zap.String("user_id", string(userID)),
		zap.String("branch", string(out.Branch)),
		zap.Int("streak", out.Streak),
		zap.String("saved_by", string(out.SavedBy)),
		zap.Bool("at_risk", out.AtRisk))
	return out, nil
}

// =============================================================================
// RESOLVING AN AT-RISK STREAK
// =============================================================================

// Repair pays FreezeCost to keep an at-risk streak. On insufficient funds
// the *ledger.InsufficientFundsError is returned and nothing changes; the
// caller then offers AcceptBroken.
func (e *Engine) Repair(ctx context.Context, userID ledger.UserID) (Outcome, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return Outcome{}, fmt.Errorf("lock streak %s: %w", userID, err)
	}
	defer unlock()

	st, err := e.load(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if !st.AtRisk {
		return Outcome{}, ErrNotAtRisk
	}

	// One repair per at-risk episode. A retry after a failed save finds
	// the debit already recorded and only finishes the state change.
	ref := "repair:" + st.LastLoginDate.Format(dateLayout)
	res, err := e.ledger.Debit(ctx, userID, e.freezeCost, ledger.ReasonStreakRepair, ref)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			e.log.Info("streak repair rejected",
				zap.String("user_id", string(userID)),
				zap.Int64("cost", e.freezeCost),
				zap.Int64("balance", res.Balance))
		}
		return Outcome{}, err
	}

	st.AtRisk = false
	if err := e.save(ctx, st); err != nil {
		return Outcome{}, err
	}
	e.metrics.StreakSaved(string(SavedByRepair))

	out := Outcome{
		UserID:  userID,
		Date:    st.LastLoginDate,
		Branch:  BranchBroken,
		Saved:   true,
		SavedBy: SavedByRepair,
		Balance: res.Balance,
	}
	out.FirstBranch = st.LastBranch
	e.fill(&out, st)
	return out, nil
}

// AcceptBroken resets an at-risk streak to 0.
func (e *Engine) AcceptBroken(ctx context.Context, userID ledger.UserID) (Outcome, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return Outcome{}, fmt.Errorf("lock streak %s: %w", userID, err)
	}
	defer unlock()

	st, err := e.load(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if !st.AtRisk {
		return Outcome{}, ErrNotAtRisk
	}

	lost := st.CurrentStreak
	st.CurrentStreak = 0
	st.AtRisk = false
	if err := e.save(ctx, st); err != nil {
		return Outcome{}, err
	}
	e.metrics.StreakSaved(string(SavedByAccepted))
	e.log.Info("broken streak accepted",
		zap.String("user_id", string(userID)),
		zap.Int("lost_streak", lost))

	out := Outcome{UserID: userID, Date: st.LastLoginDate, Branch: BranchBroken, SavedBy: SavedByAccepted}
	out.FirstBranch = st.LastBranch
	e.fill(&out, st)
	return out, nil
}

// =============================================================================
// INVENTORY
// =============================================================================

// BuyFreeze debits FreezeCost and adds one freeze to the inventory. A
// replayed referenceID charges nothing. Inventory is reconciled against the
// user's freeze_purchase debits, so a retry after a failed save still
// delivers the freeze that was paid for.
func (e *Engine) BuyFreeze(ctx context.Context, userID ledger.UserID, referenceID string) (State, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return State{}, fmt.Errorf("lock streak %s: %w", userID, err)
	}
	defer unlock()

	st, err := e.load(ctx, userID)
	if err != nil {
		return State{}, err
	}

	res, err := e.ledger.Debit(ctx, userID, e.freezeCost, ledger.ReasonFreezePurchase, referenceID)
	if err != nil {
		return st, err
	}

	paid, err := e.freezesPaid(ctx, userID)
	if err != nil {
		return st, err
	}
	owed := paid - st.FreezesPurchased
	if owed <= 0 {
		return st, nil
	}

	st.InventoryFreezes += owed
	st.FreezesPurchased = paid
	if err := e.save(ctx, st); err != nil {
		return State{}, err
	}
	if res.Replayed || owed > 1 {
		e.log.Info("undelivered freezes restored",
			zap.String("user_id", string(userID)),
			zap.Int("restored", owed),
			zap.String("reference_id", referenceID))
	}
	e.log.Debug("freeze purchased",
		zap.String("user_id", string(userID)),
		zap.Int("inventory", st.InventoryFreezes))
	return st, nil
}

func (e *Engine) freezesPaid(ctx context.Context, userID ledger.UserID) (int, error) {
	txs, err := e.ledger.Transactions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load freeze purchases: %w", err)
	}
	n := 0
	for _, tx := range txs {
		if tx.Reason == ledger.ReasonFreezePurchase {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// WEEKLY RESET
// =============================================================================

// CheckWeeklyReset clears the weekly freebie if the user's anchor belongs to
// an earlier ISO week. Returns true if it changed anything.
func (e *Engine) CheckWeeklyReset(ctx context.Context, userID ledger.UserID) (bool, error) {
	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return false, fmt.Errorf("lock streak %s: %w", userID, err)
	}
	defer unlock()

	st, err := e.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if st.LastLoginDate.IsZero() && st.WeeklyResetAnchor.IsZero() {
		return false, nil
	}
	if !applyWeeklyReset(&st, e.Today()) {
		return false, nil
	}
	if err := e.save(ctx, st); err != nil {
		return false, err
	}
	return true, nil
}

// ResetDueWeeks runs CheckWeeklyReset for every user and returns how many
// were reset. It keeps going past per-user failures and returns them joined.
func (e *Engine) ResetDueWeeks(ctx context.Context, users ledger.UserLister) (int, error) {
	ids, err := users.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	var (
		reset int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		ok, err := e.CheckWeeklyReset(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", id, err))
			continue
		}
		if ok {
			reset++
		}
	}
	if reset > 0 {
		e.log.Info("weekly freebies reset", zap.Int("users", reset))
	}
	return reset, errors.Join(errs...)
}

// applyWeeklyReset moves the anchor to today's Monday and frees the freebie
// when today is in a later week than the anchor.
func applyWeeklyReset(st *State, today time.Time) bool {
	monday := MondayOf(today)
	if st.WeeklyResetAnchor.IsZero() {
		st.WeeklyResetAnchor = monday
		return true
	}
	if !monday.After(st.WeeklyResetAnchor) {
		return false
	}
	st.WeeklyResetAnchor = monday
	st.WeeklyFreebieUsed = false
	return true
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) State(ctx context.Context, userID ledger.UserID) (State, error) {
	return e.load(ctx, userID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) load(ctx context.Context, userID ledger.UserID) (State, error) {
	st, err := e.store.LoadStreak(ctx, userID)
	if err != nil {
		return State{}, fmt.Errorf("load streak %s: %w", userID, err)
	}
	st.UserID = userID
	return st, nil
}

func (e *Engine) save(ctx context.Context, st State) error {
	if st.CurrentStreak < 0 || st.InventoryFreezes < 0 {
		detail := fmt.Sprintf("streak %d, inventory %d", st.CurrentStreak, st.InventoryFreezes)
		e.metrics.IntegrityViolation(string(ledger.IntegrityNegativeStreak))
		e.log.Error("streak integrity violation",
			zap.String("user_id", string(st.UserID)),
			zap.String("detail", detail))
		return &ledger.IntegrityError{Kind: ledger.IntegrityNegativeStreak, UserID: st.UserID, Detail: detail}
	}
	if err := e.store.SaveStreak(ctx, st); err != nil {
		return fmt.Errorf("save streak %s: %w", st.UserID, err)
	}
	return nil
}

func (e *Engine) fill(out *Outcome, st State) {
	out.Streak = st.CurrentStreak
	out.AtRisk = st.AtRisk
	out.InventoryFreezes = st.InventoryFreezes
	out.WeeklyFreebieUsed = st.WeeklyFreebieUsed
}

func (e *Engine) markAtRisk(ctx context.Context, out *Outcome) error {
	balance, err := e.ledger.Balance(ctx, out.UserID)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}
	out.RepairCost = e.freezeCost
	out.Balance = balance
	return nil
}

func lockKey(userID ledger.UserID) string { return "streak:" + string(userID) }
