package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/store/sqlite"
	"github.com/warp/claves-engine/store/storetest"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return newTestStore(t)
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "claves.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	eng := ledger.NewEngine(s)
	_, err = eng.Credit(ctx, "u1", 20, ledger.ReasonNewUserBonus, "signup")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	// Replay after restart is still recognized
	res, err := ledger.NewEngine(s).Credit(ctx, "u1", 20, ledger.ReasonNewUserBonus, "signup")
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

func TestSQLiteStore_BadgeDefinitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	catalog := badge.DefaultCatalog()

	require.NoError(t, s.SyncBadgeDefinitions(ctx, catalog.All()))
	require.NoError(t, s.SyncBadgeDefinitions(ctx, catalog.All()), "sync is repeatable")

	defs, err := s.BadgeDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, catalog.Len())
	assert.ElementsMatch(t, catalog.All(), defs)
}

func TestSQLiteStore_Ping(t *testing.T) {
	assert.NoError(t, newTestStore(t).Ping(context.Background()))
}
