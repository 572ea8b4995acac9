// Package memory provides an in-memory implementation of every engine store.
//
// One RWMutex guards all maps, so each method is atomic on its own. It is
// meant for tests and local runs; state is lost on exit.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/streak"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Store struct {
	mu           sync.RWMutex
	balances     map[ledger.UserID]int64
	transactions map[ledger.UserID][]ledger.Transaction
	references   map[refKey]int // index into transactions[user]
	streaks      map[ledger.UserID]streak.State
	counters     map[ledger.UserID]map[badge.StatKey]int64
	counted      map[eventKey]struct{}
	grants       map[ledger.UserID][]badge.Grant
	granted      map[grantKey]struct{}
	profiles     map[ledger.UserID]profile.Profile
}

type refKey struct {
	UserID      ledger.UserID
	Reason      ledger.Reason
	ReferenceID string
}

type eventKey struct {
	UserID  ledger.UserID
	StatKey badge.StatKey
	EventID string
}

type grantKey struct {
	UserID  ledger.UserID
	BadgeID string
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ ledger.UserLister = (*Store)(nil)
	_ streak.Store      = (*Store)(nil)
	_ badge.Store       = (*Store)(nil)
	_ profile.Store     = (*Store)(nil)
)

func New() *Store {
	return &Store{
		balances:     make(map[ledger.UserID]int64),
		transactions: make(map[ledger.UserID][]ledger.Transaction),
		references:   make(map[refKey]int),
		streaks:      make(map[ledger.UserID]streak.State),
		counters:     make(map[ledger.UserID]map[badge.StatKey]int64),
		counted:      make(map[eventKey]struct{}),
		grants:       make(map[ledger.UserID][]badge.Grant),
		granted:      make(map[grantKey]struct{}),
		profiles:     make(map[ledger.UserID]profile.Profile),
	}
}

// Close is a no-op, present so callers can treat every store alike.
func (s *Store) Close() error { return nil }

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) ApplyCredit(_ context.Context, tx ledger.Transaction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.duplicateLocked(tx) {
		return 0, ledger.ErrDuplicateReference
	}
	s.appendLocked(tx)
	return s.balances[tx.UserID], nil
}

func (s *Store) ApplyDebit(_ context.Context, tx ledger.Transaction) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Duplicate check first: a retried debit is a replay even if the
	// balance has dropped since.
	if s.duplicateLocked(tx) {
		return false, 0, ledger.ErrDuplicateReference
	}
	balance := s.balances[tx.UserID]
	if balance+tx.Amount < 0 {
		return false, balance, nil
	}
	s.appendLocked(tx)
	return true, s.balances[tx.UserID], nil
}

func (s *Store) duplicateLocked(tx ledger.Transaction) bool {
	if tx.ReferenceID == "" {
		return false
	}
	_, ok := s.references[refKey{tx.UserID, tx.Reason, tx.ReferenceID}]
	return ok
}

func (s *Store) appendLocked(tx ledger.Transaction) {
	if tx.ReferenceID != "" {
		s.references[refKey{tx.UserID, tx.Reason, tx.ReferenceID}] = len(s.transactions[tx.UserID])
	}
	s.transactions[tx.UserID] = append(s.transactions[tx.UserID], tx)
	s.balances[tx.UserID] += tx.Amount
}

func (s *Store) Balance(_ context.Context, userID ledger.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *Store) Transactions(_ context.Context, userID ledger.UserID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Transaction, len(s.transactions[userID]))
	copy(out, s.transactions[userID])
	return out, nil
}

func (s *Store) FindByReference(_ context.Context, userID ledger.UserID, reason ledger.Reason, referenceID string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.references[refKey{userID, reason, referenceID}]
	if !ok {
		return nil, nil
	}
	tx := s.transactions[userID][i]
	return &tx, nil
}

// Users lists every user any part of the store knows about, sorted.
func (s *Store) Users(_ context.Context) ([]ledger.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[ledger.UserID]struct{})
	for id := range s.profiles {
		seen[id] = struct{}{}
	}
	for id := range s.balances {
		seen[id] = struct{}{}
	}
	for id := range s.streaks {
		seen[id] = struct{}{}
	}
	for id := range s.counters {
		seen[id] = struct{}{}
	}

	out := make([]ledger.UserID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SetBalance overwrites a balance without a transaction. Test helper for
// reconciliation; never used by the engines.
func (s *Store) SetBalance(userID ledger.UserID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = balance
}

// =============================================================================
// STREAK
// =============================================================================

func (s *Store) LoadStreak(_ context.Context, userID ledger.UserID) (streak.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streaks[userID]
	if !ok {
		return streak.State{UserID: userID}, nil
	}
	return st, nil
}

func (s *Store) SaveStreak(_ context.Context, st streak.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaks[st.UserID] = st
	return nil
}

// =============================================================================
// BADGES
// =============================================================================

func (s *Store) IncrementCounter(_ context.Context, userID ledger.UserID, key badge.StatKey, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.countersLocked(userID)
	c[key] += delta
	return c[key], nil
}

func (s *Store) IncrementCounterOnce(_ context.Context, userID ledger.UserID, key badge.StatKey, delta int64, eventID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.countersLocked(userID)
	k := eventKey{UserID: userID, StatKey: key, EventID: eventID}
	if _, ok := s.counted[k]; ok {
		return c[key], false, nil
	}
	s.counted[k] = struct{}{}
	c[key] += delta
	return c[key], true, nil
}

func (s *Store) SetCounter(_ context.Context, userID ledger.UserID, key badge.StatKey, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countersLocked(userID)[key] = value
	return nil
}

func (s *Store) countersLocked(userID ledger.UserID) map[badge.StatKey]int64 {
	c, ok := s.counters[userID]
	if !ok {
		c = make(map[badge.StatKey]int64)
		s.counters[userID] = c
	}
	return c
}

func (s *Store) Counter(_ context.Context, userID ledger.UserID, key badge.StatKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[userID][key], nil
}

func (s *Store) Counters(_ context.Context, userID ledger.UserID) (map[badge.StatKey]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[badge.StatKey]int64, len(s.counters[userID]))
	for k, v := range s.counters[userID] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) InsertGrant(_ context.Context, g badge.Grant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := grantKey{g.UserID, g.BadgeID}
	if _, ok := s.granted[k]; ok {
		return false, nil
	}
	s.granted[k] = struct{}{}
	s.grants[g.UserID] = append(s.grants[g.UserID], g)
	return true, nil
}

func (s *Store) Grants(_ context.Context, userID ledger.UserID) ([]badge.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]badge.Grant, len(s.grants[userID]))
	copy(out, s.grants[userID])
	return out, nil
}

// =============================================================================
// PROFILES
// =============================================================================

func (s *Store) Profile(_ context.Context, userID ledger.UserID) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return profile.Profile{}, ledger.ErrUserNotFound
	}
	return p, nil
}

func (s *Store) CreateProfile(_ context.Context, p profile.Profile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[p.UserID]; ok {
		return false, nil
	}
	if p.Tier == "" {
		p.Tier = profile.TierFree
	}
	s.profiles[p.UserID] = p
	return true, nil
}

func (s *Store) SetTier(_ context.Context, userID ledger.UserID, tier profile.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return ledger.ErrUserNotFound
	}
	p.Tier = tier
	s.profiles[userID] = p
	return nil
}
