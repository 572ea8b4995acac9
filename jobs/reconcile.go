/*
Package jobs holds the offline batch jobs: ledger reconciliation and badge
backfill.

PURPOSE:
  Both jobs walk every user and fan out over a bounded errgroup. They are
  run from the CLI (claves reconcile, claves backfill) and must not run
  while the service takes live traffic: the backfill overwrites counters.

KEY CONCEPTS:
  - Reconcile: audits Balance(u) == sum of u's transactions and
    Balance(u) >= 0 for every user. Violations are collected, not fatal.
  - Backfill: rebuilds counters from an exported history file and
    re-evaluates every badge. Grants are idempotent, so a rerun is safe.

SEE ALSO:
  - ledger/ledger.go: Audit
  - badge/engine.go: Recompute
*/
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/ledger"
)

// DefaultConcurrency bounds the number of users processed at once.
const DefaultConcurrency = 8

// Violation is one user whose ledger failed the audit.
type Violation struct {
	UserID  ledger.UserID
	Kind    ledger.IntegrityKind
	Balance int64
	Sum     int64
	Detail  string
}

type ReconcileReport struct {
	Users      int
	Violations []Violation // sorted by user id
}

func (r ReconcileReport) Consistent() bool { return len(r.Violations) == 0 }

// Reconcile audits every user's ledger. Integrity violations are reported;
// any other error aborts the run.
func Reconcile(ctx context.Context, eng *engine.Engine, concurrency int, log *zap.Logger) (ReconcileReport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	users, err := eng.Users(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list users: %w", err)
	}

	var (
		mu     sync.Mutex
		report = ReconcileReport{Users: len(users)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, userID := range users {
		g.Go(func() error {
			a, err := eng.Ledger.Audit(gctx, userID)
			if err == nil {
				return nil
			}
			var ie *ledger.IntegrityError
			if !errors.As(err, &ie) {
				return fmt.Errorf("audit %s: %w", userID, err)
			}
			mu.Lock()
			report.Violations = append(report.Violations, Violation{
				UserID:  userID,
				Kind:    ie.Kind,
				Balance: a.Balance,
				Sum:     a.Sum,
				Detail:  ie.Detail,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Slice(report.Violations, func(i, j int) bool {
		return report.Violations[i].UserID < report.Violations[j].UserID
	})
	log.Info("reconciliation finished",
		zap.Int("users", report.Users),
		zap.Int("violations", len(report.Violations)))
	return report, nil
}
