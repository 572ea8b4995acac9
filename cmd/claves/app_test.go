package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/claves-engine/config"
	"github.com/warp/claves-engine/profile"
	"github.com/warp/claves-engine/store/sqlite"
)

// withDatabase points the configuration at a fresh database file.
func withDatabase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "claves.db")
	t.Setenv("CLAVES_DATABASE_PATH", path)
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNewApp_SyncsCatalog(t *testing.T) {
	ctx := context.Background()
	path := withDatabase(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	a, err := newApp(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	reg, err := a.eng.Register(ctx, "ana", profile.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(20), reg.Balance)
	require.NoError(t, a.Close())

	store, err := sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()
	defs, err := store.BadgeDefinitions(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, defs)
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	withDatabase(t)
	t.Setenv("CLAVES_REDIS_ADDR", "127.0.0.1:1")

	cfg, err := config.Load("")
	require.NoError(t, err)
	_, err = newApp(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestReconcileCommand(t *testing.T) {
	ctx := context.Background()
	withDatabase(t)

	cfg, err := config.Load("")
	require.NoError(t, err)
	a, err := newApp(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = a.eng.Register(ctx, "ana", profile.TierFree)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	out, err := execute(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "users checked: 1")
	assert.Contains(t, out, "ledger consistent")
}

func TestBackfillCommand(t *testing.T) {
	withDatabase(t)
	history := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(history, []byte("users:\n  ana: {solutions_accepted: 1}\n"), 0o600))

	out, err := execute(t, "backfill", "--history", history)
	require.NoError(t, err)
	assert.Contains(t, out, "users recomputed: 1")
	assert.Contains(t, out, "badges granted: 1")

	out, err = execute(t, "backfill", "--history", history)
	require.NoError(t, err)
	assert.Contains(t, out, "badges granted: 0")
}
