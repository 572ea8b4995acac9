/*
Package sqlite provides a SQLite-backed implementation of every engine store.

PURPOSE:
  Implements ledger.Store, streak.Store, badge.Store and profile.Store over
  one database file. The same SQL carries over to PostgreSQL with minor
  dialect changes.

INTERFACES IMPLEMENTED:
  ledger.Store:      Balances and the append-only transaction log
  ledger.UserLister: User enumeration for batch jobs
  streak.Store:      Streak state
  badge.Store:       Counters and grants
  profile.Store:     Existence and tier

KEY TABLES:
  users:             Profile, balance and streak fields on one row
  transactions:      Immutable ledger, never UPDATEd or DELETEd
  user_stats:        (user_id, stat_key) -> value
  badge_grants:      (user_id, badge_id) primary key, append-only
  badge_definitions: Read-only copy of the catalog for reporting

CONSTRAINTS DOING THE REAL WORK:
  - users.balance CHECK (balance >= 0)
  - UNIQUE (user_id, reason, reference_id) on transactions
  - PRIMARY KEY (user_id, badge_id) on badge_grants
  - Conditional debit: UPDATE ... WHERE balance >= ? in the same SQL
    transaction as the log insert

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, SQLite allows one writer anyway.
  With PostgreSQL the conditional UPDATE alone serializes debits.

USAGE:
  store, err := sqlite.New("./data/claves.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: The atomicity contract
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/streak"
)

const dateLayout = "2006-01-02"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.UserLister = (*Store)(nil)
	_ streak.Store      = (*Store)(nil)
	_ badge.Store       = (*Store)(nil)
	_ profile.Store     = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- One row per user: profile slice, balance and streak state co-located
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		registered INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL DEFAULT 'free',
		created_at TEXT,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		current_streak INTEGER NOT NULL DEFAULT 0 CHECK (current_streak >= 0),
		longest_streak INTEGER NOT NULL DEFAULT 0,
		last_login_date TEXT,
		weekly_freebie_used INTEGER NOT NULL DEFAULT 0,
		weekly_reset_anchor TEXT,
		inventory_freezes INTEGER NOT NULL DEFAULT 0 CHECK (inventory_freezes >= 0),
		streak_at_risk INTEGER NOT NULL DEFAULT 0,
		last_branch TEXT,
		freezes_purchased INTEGER NOT NULL DEFAULT 0
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount <> 0),
		reason TEXT NOT NULL,
		reference_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user
		ON transactions(user_id, seq);

	-- CRITICAL: a (reason, reference_id) pair is applied at most once per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(user_id, reason, reference_id)
		WHERE reference_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS user_stats (
		user_id TEXT NOT NULL,
		stat_key TEXT NOT NULL,
		value INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, stat_key)
	);

	-- Events already counted by IncrementCounterOnce
	CREATE TABLE IF NOT EXISTS stat_events (
		user_id TEXT NOT NULL,
		stat_key TEXT NOT NULL,
		event_id TEXT NOT NULL,
		PRIMARY KEY (user_id, stat_key, event_id)
	);

	-- CRITICAL: at most one grant per (user, badge)
	CREATE TABLE IF NOT EXISTS badge_grants (
		user_id TEXT NOT NULL,
		badge_id TEXT NOT NULL,
		granted_at TEXT NOT NULL,
		PRIMARY KEY (user_id, badge_id)
	);

	CREATE TABLE IF NOT EXISTS badge_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		stat_key TEXT NOT NULL,
		threshold INTEGER NOT NULL,
		tier TEXT,
		category TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER (ledger.Store interface)
// =============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ApplyCredit appends tx and adds it to the balance in one SQL transaction.
func (s *Store) ApplyCredit(ctx context.Context, tx ledger.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := insertTransaction(ctx, sqlTx, tx); err != nil {
		return 0, err
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO users (user_id, balance) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance
	`, tx.UserID, tx.Amount)
	if err != nil {
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}

	balance, err := balanceOf(ctx, sqlTx, tx.UserID)
	if err != nil {
		return 0, err
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit credit: %w", err)
	}
	return balance, nil
}

// ApplyDebit decrements the balance only if it covers the amount, then
// appends tx. Both happen in one SQL transaction or not at all.
func (s *Store) ApplyDebit(ctx context.Context, tx ledger.Transaction) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	// Duplicate first: a retry is a replay even if the balance has dropped.
	if tx.ReferenceID != "" {
		var n int
		err := sqlTx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM transactions
			WHERE user_id = ? AND reason = ? AND reference_id = ?
		`, tx.UserID, tx.Reason, tx.ReferenceID).Scan(&n)
		if err != nil {
			return false, 0, fmt.Errorf("failed to check reference: %w", err)
		}
		if n > 0 {
			return false, 0, ledger.ErrDuplicateReference
		}
	}

	amount := -tx.Amount
	res, err := sqlTx.ExecContext(ctx, `
		UPDATE users SET balance = balance - ?
		WHERE user_id = ? AND balance >= ?
	`, amount, tx.UserID, amount)
	if err != nil {
		return false, 0, fmt.Errorf("failed to debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("failed to debit balance: %w", err)
	}
	if n == 0 {
		balance, err := balanceOf(ctx, sqlTx, tx.UserID)
		if err != nil {
			return false, 0, err
		}
		return false, balance, nil
	}

	if err := insertTransaction(ctx, sqlTx, tx); err != nil {
		return false, 0, err
	}
	balance, err := balanceOf(ctx, sqlTx, tx.UserID)
	if err != nil {
		return false, 0, err
	}
	if err := sqlTx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit debit: %w", err)
	}
	return true, balance, nil
}

func insertTransaction(ctx context.Context, db execer, tx ledger.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, reason, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.UserID,
		tx.Amount,
		tx.Reason,
		nullString(tx.ReferenceID),
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReference
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func balanceOf(ctx context.Context, db queryer, userID ledger.UserID) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx, "SELECT balance FROM users WHERE user_id = ?", userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load balance: %w", err)
	}
	return balance, nil
}

// Balance returns the stored balance, 0 for unknown users.
func (s *Store) Balance(ctx context.Context, userID ledger.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balanceOf(ctx, s.db, userID)
}

// Transactions returns the user's log, oldest first.
func (s *Store) Transactions(ctx context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, reason, reference_id, created_at
		FROM transactions
		WHERE user_id = ?
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// FindByReference returns the transaction recorded for the triple, or nil.
func (s *Store) FindByReference(ctx context.Context, userID ledger.UserID, reason ledger.Reason, referenceID string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount, reason, reference_id, created_at
		FROM transactions
		WHERE user_id = ? AND reason = ? AND reference_id = ?
	`, userID, reason, referenceID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		referenceID sql.NullString
		createdAt   string
	)
	err := row.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Reason, &referenceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tx, err
	}
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.ReferenceID = referenceID.String
	if tx.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return tx, fmt.Errorf("failed to scan transaction %s: %w", tx.ID, err)
	}
	return tx, nil
}

// Users lists every user with a row or a counter, sorted.
func (s *Store) Users(ctx context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM users
		UNION
		SELECT user_id FROM user_stats
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []ledger.UserID
	for rows.Next() {
		var id ledger.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// STREAK (streak.Store interface)
// =============================================================================

func (s *Store) LoadStreak(ctx context.Context, userID ledger.UserID) (streak.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		st         = streak.State{UserID: userID}
		lastLogin  sql.NullString
		anchor     sql.NullString
		lastBranch sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT current_streak, longest_streak, last_login_date, weekly_freebie_used,
		       weekly_reset_anchor, inventory_freezes, streak_at_risk, last_branch,
		       freezes_purchased
		FROM users WHERE user_id = ?
	`, userID).Scan(
		&st.CurrentStreak, &st.LongestStreak, &lastLogin, &st.WeeklyFreebieUsed,
		&anchor, &st.InventoryFreezes, &st.AtRisk, &lastBranch,
		&st.FreezesPurchased,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to load streak: %w", err)
	}

	if st.LastLoginDate, err = parseDate(lastLogin); err != nil {
		return st, fmt.Errorf("failed to load streak: last_login_date: %w", err)
	}
	if st.WeeklyResetAnchor, err = parseDate(anchor); err != nil {
		return st, fmt.Errorf("failed to load streak: weekly_reset_anchor: %w", err)
	}
	st.LastBranch = streak.Branch(lastBranch.String)
	return st, nil
}

func (s *Store) SaveStreak(ctx context.Context, st streak.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, current_streak, longest_streak, last_login_date,
		                   weekly_freebie_used, weekly_reset_anchor, inventory_freezes,
		                   streak_at_risk, last_branch, freezes_purchased)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			current_streak = excluded.current_streak,
			longest_streak = excluded.longest_streak,
			last_login_date = excluded.last_login_date,
			weekly_freebie_used = excluded.weekly_freebie_used,
			weekly_reset_anchor = excluded.weekly_reset_anchor,
			inventory_freezes = excluded.inventory_freezes,
			streak_at_risk = excluded.streak_at_risk,
			last_branch = excluded.last_branch,
			freezes_purchased = excluded.freezes_purchased
	`,
		st.UserID,
		st.CurrentStreak,
		st.LongestStreak,
		formatDate(st.LastLoginDate),
		st.WeeklyFreebieUsed,
		formatDate(st.WeeklyResetAnchor),
		st.InventoryFreezes,
		st.AtRisk,
		nullString(string(st.LastBranch)),
		st.FreezesPurchased,
	)
	if err != nil {
		return fmt.Errorf("failed to save streak: %w", err)
	}
	return nil
}

// =============================================================================
// BADGES (badge.Store interface)
// =============================================================================

func (s *Store) IncrementCounter(ctx context.Context, userID ledger.UserID, key badge.StatKey, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, stat_key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, stat_key) DO UPDATE SET value = value + excluded.value
	`, userID, key, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	var value int64
	err = sqlTx.QueryRowContext(ctx,
		"SELECT value FROM user_stats WHERE user_id = ? AND stat_key = ?", userID, key,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter: %w", err)
	}
	return value, nil
}

// IncrementCounterOnce records eventID and bumps the counter in one
// transaction. A known eventID leaves the counter as it is.
func (s *Store) IncrementCounterOnce(ctx context.Context, userID ledger.UserID, key badge.StatKey, delta int64, eventID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO stat_events (user_id, stat_key, event_id) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, userID, key, eventID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record %s event: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to record %s event: %w", key, err)
	}
	applied := n == 1

	if applied {
		_, err = sqlTx.ExecContext(ctx, `
			INSERT INTO user_stats (user_id, stat_key, value) VALUES (?, ?, ?)
			ON CONFLICT(user_id, stat_key) DO UPDATE SET value = value + excluded.value
		`, userID, key, delta)
		if err != nil {
			return 0, false, fmt.Errorf("failed to increment %s: %w", key, err)
		}
	}

	var value int64
	err = sqlTx.QueryRowContext(ctx,
		"SELECT value FROM user_stats WHERE user_id = ? AND stat_key = ?", userID, key,
	).Scan(&value)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit counter: %w", err)
	}
	return value, applied, nil
}

func (s *Store) SetCounter(ctx context.Context, userID ledger.UserID, key badge.StatKey, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, stat_key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, stat_key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Counter(ctx context.Context, userID ledger.UserID, key badge.StatKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM user_stats WHERE user_id = ? AND stat_key = ?", userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Counters(ctx context.Context, userID ledger.UserID) (map[badge.StatKey]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT stat_key, value FROM user_stats WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	out := make(map[badge.StatKey]int64)
	for rows.Next() {
		var (
			key   badge.StatKey
			value int64
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// InsertGrant relies on the primary key: a concurrent second insert is a
// no-op and reports inserted=false.
func (s *Store) InsertGrant(ctx context.Context, g badge.Grant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO badge_grants (user_id, badge_id, granted_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, badge_id) DO NOTHING
	`, g.UserID, g.BadgeID, g.GrantedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to insert grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert grant: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Grants(ctx context.Context, userID ledger.UserID) ([]badge.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, badge_id, granted_at FROM badge_grants
		WHERE user_id = ?
		ORDER BY granted_at ASC, rowid ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []badge.Grant
	for rows.Next() {
		var (
			g         badge.Grant
			grantedAt string
		)
		if err := rows.Scan(&g.UserID, &g.BadgeID, &grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		if g.GrantedAt, err = parseTimestamp(grantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant %s: %w", g.BadgeID, err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// SyncBadgeDefinitions replaces the badge_definitions table with defs so
// reporting queries can join grants to names and tiers.
func (s *Store) SyncBadgeDefinitions(ctx context.Context, defs []badge.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM badge_definitions"); err != nil {
		return fmt.Errorf("failed to clear badge definitions: %w", err)
	}
	for _, d := range defs {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO badge_definitions (id, name, description, stat_key, threshold, tier, category)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.Name, nullString(d.Description), d.StatKey, d.Threshold, nullString(string(d.Tier)), d.Category)
		if err != nil {
			return fmt.Errorf("failed to insert badge %s: %w", d.ID, err)
		}
	}
	return sqlTx.Commit()
}

// BadgeDefinitions reads back the synced catalog.
func (s *Store) BadgeDefinitions(ctx context.Context) ([]badge.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, stat_key, threshold, tier, category
		FROM badge_definitions ORDER BY stat_key, threshold, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query badge definitions: %w", err)
	}
	defer rows.Close()

	var defs []badge.Definition
	for rows.Next() {
		var (
			d           badge.Definition
			description sql.NullString
			tier        sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Name, &description, &d.StatKey, &d.Threshold, &tier, &d.Category); err != nil {
			return nil, fmt.Errorf("failed to scan badge definition: %w", err)
		}
		d.Description = description.String
		d.Tier = badge.Tier(tier.String)
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// =============================================================================
// PROFILES (profile.Store interface)
// =============================================================================

func (s *Store) Profile(ctx context.Context, userID ledger.UserID) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p         = profile.Profile{UserID: userID}
		createdAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT tier, created_at FROM users WHERE user_id = ? AND registered = 1", userID,
	).Scan(&p.Tier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ledger.ErrUserNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed to load profile: %w", err)
	}
	if createdAt.Valid {
		if p.CreatedAt, err = parseTimestamp(createdAt.String); err != nil {
			return p, fmt.Errorf("failed to load profile: %w", err)
		}
	}
	return p, nil
}

// CreateProfile registers the user. A row created earlier by a ledger or
// streak write is adopted; an already registered user is left untouched.
func (s *Store) CreateProfile(ctx context.Context, p profile.Profile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Tier == "" {
		p.Tier = profile.TierFree
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, registered, tier, created_at) VALUES (?, 1, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			registered = 1,
			tier = excluded.tier,
			created_at = excluded.created_at
		WHERE users.registered = 0
	`, p.UserID, p.Tier, p.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("failed to create profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create profile: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SetTier(ctx context.Context, userID ledger.UserID, tier profile.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET tier = ? WHERE user_id = ? AND registered = 1", tier, userID)
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}
	if n == 0 {
		return ledger.ErrUserNotFound
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(dateLayout), Valid: true}
}

// parseDate reads a nullable date column. NULL is the zero time.
func parseDate(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s.String, err)
	}
	return t, nil
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
