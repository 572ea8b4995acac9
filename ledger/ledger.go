/*
ledger.go - The ledger engine: atomic credit and debit

PURPOSE:
  The Engine is the only writer of balances. Every mutation is validated
  against the reason taxonomy, serialized per user, applied atomically by
  the Store, and classified as applied, replayed, or rejected.

CRITICAL INVARIANTS:
  1. Balance(u) == sum of u's transaction amounts
  2. Balance(u) >= 0, a rejected debit performs no mutation
  3. A (reason, reference_id) pair is applied at most once per user

CONCURRENCY:
  Two layers protect the conditional debit:
  - The Store decrements with a WHERE balance >= amount guard
  - The Engine holds a per-user lock around each mutation
  Either alone is sufficient for linearizability. Cross-user pairs
  (reactor pays, owner gets refunded) are two independent mutations.

RETRIES:
  Credit and Debit are safe to retry only with the same reference id. The
  retry comes back with Replayed=true and the current balance.

EXAMPLE:
  eng := ledger.NewEngine(store, ledger.WithLogger(log))
  eng.Credit(ctx, "u1", 20, ledger.ReasonNewUserBonus, "signup")   // balance 20
  eng.Spend(ctx, "u1", ledger.ReasonPostStage, "post-1")            // balance 5
  eng.Debit(ctx, "u1", 15, ledger.ReasonPostStage, "post-2")        // InsufficientFundsError

SEE ALSO:
  - store.go: Persistence contract
  - errors.go: Rejections and integrity errors
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/claves-engine/lock"
	"github.com/warp/claves-engine/metrics"
)

const (
	kindCredit = "credit"
	kindDebit  = "debit"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store   Store
	locker  lock.Locker
	prices  PriceList
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() TransactionID
}

type Option func(*Engine)

func WithLocker(l lock.Locker) Option       { return func(e *Engine) { e.locker = l } }
func WithPrices(p PriceList) Option         { return func(e *Engine) { e.prices = p } }
func WithLogger(l *zap.Logger) Option       { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		locker: lock.NewKeyed(),
		prices: DefaultPrices(),
		log:    zap.NewNop(),
		now:    time.Now,
		newID:  func() TransactionID { return TransactionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prices returns the configured price list.
func (e *Engine) Prices() PriceList { return e.prices }

// =============================================================================
// MUTATIONS
// =============================================================================

// Credit adds amount to the user's balance. It always succeeds unless the
// input is invalid or the store fails.
func (e *Engine) Credit(ctx context.Context, userID UserID, amount int64, reason Reason, referenceID string) (Result, error) {
	if err := validate(userID, amount, reason, DirectionCredit); err != nil {
		e.metrics.LedgerMutation(kindCredit, string(reason), metrics.OutcomeRejected, amount)
		return Result{}, err
	}

	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return Result{}, fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer unlock()

	tx := e.newTransaction(userID, amount, reason, referenceID)
	balance, err := e.store.ApplyCredit(ctx, tx)
	if errors.Is(err, ErrDuplicateReference) {
		return e.replay(ctx, kindCredit, userID, reason, referenceID)
	}
	if err != nil {
		e.metrics.LedgerMutation(kindCredit, string(reason), metrics.OutcomeFailed, amount)
		e.log.Warn("credit failed",
			zap.String("user_id", string(userID)),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return Result{}, fmt.Errorf("credit %s: %w", userID, err)
	}
	if err := e.checkBalance(userID, balance); err != nil {
		return Result{}, err
	}

	e.metrics.LedgerMutation(kindCredit, string(reason), metrics.OutcomeApplied, amount)
	e.log.Debug("credit applied",
		zap.String("user_id", string(userID)),
		zap.String("reason", string(reason)),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance))
	return Result{Transaction: tx, Balance: balance}, nil
}

// Debit removes amount if and only if the balance covers it. On
// insufficient funds it returns *InsufficientFundsError and Result.Balance
// holds the untouched balance.
func (e *Engine) Debit(ctx context.Context, userID UserID, amount int64, reason Reason, referenceID string) (Result, error) {
	if err := validate(userID, amount, reason, DirectionDebit); err != nil {
		e.metrics.LedgerMutation(kindDebit, string(reason), metrics.OutcomeRejected, amount)
		return Result{}, err
	}

	unlock, err := e.locker.Lock(ctx, lockKey(userID))
	if err != nil {
		return Result{}, fmt.Errorf("lock user %s: %w", userID, err)
	}
	defer unlock()

	tx := e.newTransaction(userID, -amount, reason, referenceID)
	ok, balance, err := e.store.ApplyDebit(ctx, tx)
	if errors.Is(err, ErrDuplicateReference) {
		return e.replay(ctx, kindDebit, userID, reason, referenceID)
	}
	if err != nil {
		e.metrics.LedgerMutation(kindDebit, string(reason), metrics.OutcomeFailed, amount)
		e.log.Warn("debit failed",
			zap.String("user_id", string(userID)),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return Result{}, fmt.Errorf("debit %s: %w", userID, err)
	}
	if !ok {
		e.metrics.LedgerMutation(kindDebit, string(reason), metrics.OutcomeRejected, amount)
		e.log.Debug("debit rejected: insufficient balance",
			zap.String("user_id", string(userID)),
			zap.String("reason", string(reason)),
			zap.Int64("required", amount),
			zap.Int64("available", balance))
		return Result{Balance: balance}, &InsufficientFundsError{
			UserID:    userID,
			Reason:    reason,
			Required:  amount,
			Available: balance,
		}
	}
	if err := e.checkBalance(userID, balance); err != nil {
		return Result{}, err
	}

	e.metrics.LedgerMutation(kindDebit, string(reason), metrics.OutcomeApplied, amount)
	e.log.Debug("debit applied",
		zap.String("user_id", string(userID)),
		zap.String("reason", string(reason)),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance))
	return Result{Transaction: tx, Balance: balance}, nil
}

// TryDebit is Debit reduced to (ok, balance_after). err is non-nil only for
// invalid input or infrastructure failures, never for insufficient funds.
func (e *Engine) TryDebit(ctx context.Context, userID UserID, amount int64, reason Reason, referenceID string) (bool, int64, error) {
	res, err := e.Debit(ctx, userID, amount, reason, referenceID)
	if errors.Is(err, ErrInsufficientFunds) {
		return false, res.Balance, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, res.Balance, nil
}

// Spend debits the configured price for reason.
func (e *Engine) Spend(ctx context.Context, userID UserID, reason Reason, referenceID string) (Result, error) {
	cost, ok := e.prices.Cost(reason)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoPrice, reason)
	}
	return e.Debit(ctx, userID, cost, reason, referenceID)
}

func (e *Engine) replay(ctx context.Context, kind string, userID UserID, reason Reason, referenceID string) (Result, error) {
	existing, err := e.store.FindByReference(ctx, userID, reason, referenceID)
	if err != nil {
		return Result{}, fmt.Errorf("load replayed transaction: %w", err)
	}
	balance, err := e.store.Balance(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load balance: %w", err)
	}

	e.metrics.LedgerMutation(kind, string(reason), metrics.OutcomeReplayed, 0)
	e.log.Info("duplicate submission ignored",
		zap.String("user_id", string(userID)),
		zap.String("reason", string(reason)),
		zap.String("reference_id", referenceID))

	res := Result{Balance: balance, Replayed: true}
	if existing != nil {
		res.Transaction = *existing
	}
	return res, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Balance(ctx context.Context, userID UserID) (int64, error) {
	return e.store.Balance(ctx, userID)
}

// CanAfford is advisory. Only Debit's own check is authoritative.
func (e *Engine) CanAfford(ctx context.Context, userID UserID, amount int64) (bool, error) {
	balance, err := e.store.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

func (e *Engine) Transactions(ctx context.Context, userID UserID) ([]Transaction, error) {
	return e.store.Transactions(ctx, userID)
}

// Lookup returns the transaction applied for (reason, reference_id), or nil.
func (e *Engine) Lookup(ctx context.Context, userID UserID, reason Reason, referenceID string) (*Transaction, error) {
	tx, err := e.store.FindByReference(ctx, userID, reason, referenceID)
	if err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", reason, referenceID, err)
	}
	return tx, nil
}

// HasReference reports whether (reason, reference_id) was already applied.
func (e *Engine) HasReference(ctx context.Context, userID UserID, reason Reason, referenceID string) (bool, error) {
	tx, err := e.Lookup(ctx, userID, reason, referenceID)
	if err != nil {
		return false, err
	}
	return tx != nil, nil
}

// =============================================================================
// AUDIT
// =============================================================================

// Audit compares the stored balance with the replayed transaction log.
type Audit struct {
	UserID       UserID
	Balance      int64
	Sum          int64
	Transactions int
}

func (a Audit) Consistent() bool { return a.Balance == a.Sum && a.Balance >= 0 }

// Audit checks Balance(u) == sum(amounts) and Balance(u) >= 0. A broken
// invariant is returned as *IntegrityError alongside the figures.
func (e *Engine) Audit(ctx context.Context, userID UserID) (Audit, error) {
	balance, err := e.store.Balance(ctx, userID)
	if err != nil {
		return Audit{}, fmt.Errorf("load balance: %w", err)
	}
	txs, err := e.store.Transactions(ctx, userID)
	if err != nil {
		return Audit{}, fmt.Errorf("load transactions: %w", err)
	}

	a := Audit{UserID: userID, Balance: balance, Transactions: len(txs)}
	for _, tx := range txs {
		a.Sum += tx.Amount
	}

	switch {
	case a.Balance < 0:
		return a, e.integrity(IntegrityNegativeBalance, userID, fmt.Sprintf("balance %d", a.Balance))
	case a.Balance != a.Sum:
		return a, e.integrity(IntegrityBalanceDrift, userID,
			fmt.Sprintf("balance %d, transaction sum %d", a.Balance, a.Sum))
	}
	return a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func validate(userID UserID, amount int64, reason Reason, dir Direction) error {
	if userID == "" {
		return ErrUserNotFound
	}
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	if !reason.Valid() {
		return &InvalidReasonError{Reason: reason}
	}
	if reasonDirections[reason]&dir == 0 {
		return &InvalidReasonError{Reason: reason, Direction: dir}
	}
	return nil
}

func (e *Engine) newTransaction(userID UserID, amount int64, reason Reason, referenceID string) Transaction {
	return Transaction{
		ID:          e.newID(),
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		CreatedAt:   e.now().UTC(),
	}
}

func (e *Engine) checkBalance(userID UserID, balance int64) error {
	if balance < 0 {
		return e.integrity(IntegrityNegativeBalance, userID, fmt.Sprintf("balance %d after mutation", balance))
	}
	return nil
}

func (e *Engine) integrity(kind IntegrityKind, userID UserID, detail string) error {
	e.metrics.IntegrityViolation(string(kind))
	e.log.Error("ledger integrity violation",
		zap.String("kind", string(kind)),
		zap.String("user_id", string(userID)),
		zap.String("detail", detail))
	return &IntegrityError{Kind: kind, UserID: userID, Detail: detail}
}

func lockKey(userID UserID) string { return "ledger:" + string(userID) }
