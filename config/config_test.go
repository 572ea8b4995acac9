package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/claves-engine/bonus"
	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
)

// inEmptyDir keeps stray .env files in the package directory out of the test.
func inEmptyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	inEmptyDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "claves.db", cfg.Database.Path)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, time.Hour, cfg.Scheduler.WeeklyResetInterval)

	// THEN the economy converts to exactly the engine defaults
	got, err := cfg.EngineConfig()
	require.NoError(t, err)
	want := engine.DefaultConfig()
	assert.Equal(t, want.NewUserBonus, got.NewUserBonus)
	assert.Equal(t, want.FreezeCost, got.FreezeCost)
	assert.Equal(t, want.Bonus, got.Bonus)
	assert.Equal(t, want.SubscriptionBonus, got.SubscriptionBonus)
	assert.Equal(t, int64(15), got.Prices[ledger.ReasonPostStage])
	assert.Equal(t, int64(1), got.Prices[ledger.ReasonReaction])
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := inEmptyDir(t)

	// GIVEN a file that overrides part of the economy
	path := writeFile(t, dir, "claves.yaml", `
app:
  env: production
http:
  addr: ":9090"
economy:
  freeze_cost: 12
  prices:
    post_stage: 20
  daily_ranges:
    free: {min: 3, max: 6}
  streak_bonus:
    performer: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	got, err := cfg.EngineConfig()
	require.NoError(t, err)

	// THEN overridden keys change and sibling keys keep their defaults
	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, int64(12), got.FreezeCost)
	assert.Equal(t, int64(20), got.Prices[ledger.ReasonPostStage])
	assert.Equal(t, int64(5), got.Prices[ledger.ReasonPostLab])
	assert.Equal(t, bonus.Range{Min: 3, Max: 6}, got.Bonus.DailyRanges[profile.TierFree])
	assert.Equal(t, bonus.Range{Min: 5, Max: 10}, got.Bonus.DailyRanges[profile.TierAdvanced])
	assert.Equal(t, int64(3), got.Bonus.StreakBonus[profile.TierPerformer])
	assert.Equal(t, int64(1), got.Bonus.StreakBonus[profile.TierFree])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := inEmptyDir(t)
	path := writeFile(t, dir, "claves.yaml", "economy:\n  freeze_cost: 12\n")

	t.Setenv("CLAVES_ECONOMY_FREEZE_COST", "25")
	t.Setenv("CLAVES_REDIS_ADDR", "localhost:6379")
	t.Setenv("CLAVES_SCHEDULER_WEEKLY_RESET_INTERVAL", "15m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(25), cfg.Economy.FreezeCost)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.WeeklyResetInterval)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inEmptyDir(t)
	writeFile(t, dir, ".env", "CLAVES_DATABASE_PATH=/var/lib/claves/claves.db\n")
	t.Cleanup(func() { os.Unsetenv("CLAVES_DATABASE_PATH") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/claves/claves.db", cfg.Database.Path)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown env", "app:\n  env: moon\n"},
		{"zero freeze cost", "economy:\n  freeze_cost: 0\n"},
		{"negative bonus", "economy:\n  new_user_bonus: -1\n"},
		{"non-positive price", "economy:\n  prices:\n    reaction: 0\n"},
		{"bad log level", "log:\n  level: chatty\n"},
		{"bad redis addr", "redis:\n  addr: not a host\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := inEmptyDir(t)
			path := writeFile(t, dir, "claves.yaml", tt.yaml)

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	dir := inEmptyDir(t)
	_, err := Load(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestEngineConfig_RejectsUnknownNames(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown reason", "economy:\n  prices:\n    teleport: 3\n"},
		{"credit reason priced", "economy:\n  prices:\n    daily_login: 3\n"},
		{"unknown tier range", "economy:\n  daily_ranges:\n    platinum: {min: 1, max: 2}\n"},
		{"unknown tier bonus", "economy:\n  streak_bonus:\n    platinum: 1\n"},
		{"inverted range", "economy:\n  daily_ranges:\n    free: {min: 6, max: 2}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := inEmptyDir(t)
			path := writeFile(t, dir, "claves.yaml", tt.yaml)

			cfg, err := Load(path)
			require.NoError(t, err)
			_, err = cfg.EngineConfig()
			assert.Error(t, err)
		})
	}
}

func TestCatalog(t *testing.T) {
	dir := inEmptyDir(t)

	cfg, err := Load("")
	require.NoError(t, err)
	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Positive(t, catalog.Len())

	path := writeFile(t, dir, "badges.yaml", `
badges:
  - id: first_fire
    name: First Fire
    stat_key: fires_received
    threshold: 1
    tier: bronze
    category: community
`)
	cfg.Badges.CatalogPath = path
	catalog, err = cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, 1, catalog.Len())
}
