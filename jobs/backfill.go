package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/ledger"
)

// =============================================================================
// HISTORY FILE
// =============================================================================

// History is the community subsystem's export. Totals are per-user counter
// values; Events are individual occurrences added on top of them.
//
//	users:
//	  ana: {fires_received: 12, posts_created: 3}
//	events:
//	  - {user_id: bob, stat_key: claps_received}
//	  - {user_id: bob, stat_key: daily_streak, count: 9}
type History struct {
	Users  map[string]map[string]int64 `yaml:"users"`
	Events []HistoryEvent              `yaml:"events"`
}

// HistoryEvent counts Count occurrences (1 if omitted). For daily_streak,
// Count is the streak length and the largest one wins.
type HistoryEvent struct {
	UserID  string `yaml:"user_id"`
	StatKey string `yaml:"stat_key"`
	Count   int64  `yaml:"count"`
}

func LoadHistoryFile(path string) (*History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()
	return LoadHistory(f)
}

func LoadHistory(r io.Reader) (*History, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var h History
	if err := dec.Decode(&h); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &h, nil
}

// Counters folds totals and events into one counter set per user. Unknown
// stat keys, manual keys and negative values are rejected.
func (h *History) Counters() (map[ledger.UserID]map[badge.StatKey]int64, error) {
	out := make(map[ledger.UserID]map[badge.StatKey]int64)
	var errs []error

	add := func(user string, name string, n int64) {
		if user == "" {
			errs = append(errs, fmt.Errorf("stat %s: empty user id", name))
			return
		}
		key, err := badge.ParseStatKey(name)
		if err == nil && key == badge.StatManual {
			err = badge.ErrManualStat
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", user, err))
			return
		}
		if n < 0 {
			errs = append(errs, fmt.Errorf("user %s: %s is negative (%d)", user, key, n))
			return
		}
		uid := ledger.UserID(user)
		if out[uid] == nil {
			out[uid] = make(map[badge.StatKey]int64)
		}
		if key.Absolute() {
			out[uid][key] = max(out[uid][key], n)
			return
		}
		out[uid][key] += n
	}

	for user, totals := range h.Users {
		for name, n := range totals {
			add(user, name, n)
		}
	}
	for _, ev := range h.Events {
		n := ev.Count
		if n == 0 {
			n = 1
		}
		add(ev.UserID, ev.StatKey, n)
	}
	return out, errors.Join(errs...)
}

// =============================================================================
// BACKFILL
// =============================================================================

type BackfillReport struct {
	Users   int
	Granted map[ledger.UserID][]badge.Grant // only users who earned something new
}

// NewGrants is the total number of badges granted by the run.
func (r BackfillReport) NewGrants() int {
	n := 0
	for _, g := range r.Granted {
		n += len(g)
	}
	return n
}

// Backfill overwrites each user's counters with the values rebuilt from h
// and evaluates every badge. Running it twice grants nothing the second
// time.
func Backfill(ctx context.Context, eng *engine.Engine, h *History, concurrency int, log *zap.Logger) (BackfillReport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	counters, err := h.Counters()
	if err != nil {
		return BackfillReport{}, fmt.Errorf("invalid history: %w", err)
	}

	users := make([]ledger.UserID, 0, len(counters))
	for u := range counters {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var (
		mu     sync.Mutex
		report = BackfillReport{Users: len(users), Granted: make(map[ledger.UserID][]badge.Grant)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, userID := range users {
		g.Go(func() error {
			granted, err := eng.Badges.Recompute(gctx, userID, counters[userID])
			if len(granted) > 0 {
				mu.Lock()
				report.Granted[userID] = granted
				mu.Unlock()
			}
			if err != nil {
				return fmt.Errorf("recompute %s: %w", userID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	log.Info("backfill finished",
		zap.Int("users", report.Users),
		zap.Int("new_grants", report.NewGrants()))
	return report, nil
}
