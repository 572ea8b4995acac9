/*
Package config loads the service configuration.

PURPOSE:
  One typed Config for the CLI and the HTTP service. Sources, lowest
  precedence first:

    1. Built-in defaults (the platform's standard economy)
    2. Optional YAML file passed to Load
    3. Variables from .env / .env.local, if present
    4. CLAVES_* environment variables (CLAVES_ECONOMY_FREEZE_COST=15, ...)

  The result is validated with go-playground/validator before it is
  returned, then converted into engine.Config by EngineConfig.

USAGE:
  cfg, err := config.Load("configs/claves.yaml")
  engCfg, err := cfg.EngineConfig()
  catalog, err := cfg.Catalog()
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/warp/claves-engine/badge"
	"github.com/warp/claves-engine/bonus"
	"github.com/warp/claves-engine/engine"
	"github.com/warp/claves-engine/ledger"
	"github.com/warp/claves-engine/profile"
)

const envPrefix = "CLAVES"

// =============================================================================
// CONFIG
// =============================================================================

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Economy   EconomyConfig   `mapstructure:"economy"`
	Badges    BadgesConfig    `mapstructure:"badges"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type AppConfig struct {
	Env string `mapstructure:"env" validate:"oneof=development test staging production"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode" validate:"oneof=development dev production prod"`
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// RedisConfig enables the distributed locker when Addr is set. Without it
// the service uses in-process locks and must run as a single instance.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type EconomyConfig struct {
	NewUserBonus         int64                  `mapstructure:"new_user_bonus" validate:"gte=0"`
	FreezeCost           int64                  `mapstructure:"freeze_cost" validate:"gt=0"`
	Prices               map[string]int64       `mapstructure:"prices" validate:"dive,gt=0"`
	DailyRanges          map[string]bonus.Range `mapstructure:"daily_ranges" validate:"required"`
	StreakBonus          map[string]int64       `mapstructure:"streak_bonus" validate:"dive,gte=0"`
	SubscriptionBonus    map[string]int64       `mapstructure:"subscription_bonus" validate:"dive,gte=0"`
	ReactionRefund       int64                  `mapstructure:"reaction_refund" validate:"gte=0"`
	AcceptedAnswerReward int64                  `mapstructure:"accepted_answer_reward" validate:"gte=0"`
}

type BadgesConfig struct {
	// CatalogPath points at a YAML catalog. Empty uses the built-in one.
	CatalogPath string `mapstructure:"catalog_path"`
}

type SchedulerConfig struct {
	WeeklyResetInterval time.Duration `mapstructure:"weekly_reset_interval" validate:"gt=0"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the configuration. path may be empty to run on defaults and
// environment variables only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := engine.DefaultConfig()

	v.SetDefault("app.env", "development")
	v.SetDefault("log.mode", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.path", "claves.db")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 5*time.Second)
	v.SetDefault("badges.catalog_path", "")
	v.SetDefault("scheduler.weekly_reset_interval", time.Hour)

	v.SetDefault("economy.new_user_bonus", def.NewUserBonus)
	v.SetDefault("economy.freeze_cost", def.FreezeCost)
	v.SetDefault("economy.reaction_refund", def.ReactionRefund)
	v.SetDefault("economy.accepted_answer_reward", def.AcceptedAnswerReward)

	prices := map[string]any{}
	for reason, cost := range def.Prices {
		// Repair and freeze prices follow freeze_cost.
		if reason == ledger.ReasonStreakRepair || reason == ledger.ReasonFreezePurchase {
			continue
		}
		prices[string(reason)] = cost
	}
	v.SetDefault("economy.prices", prices)

	ranges := map[string]any{}
	for tier, r := range def.Bonus.DailyRanges {
		ranges[string(tier)] = map[string]any{"min": r.Min, "max": r.Max}
	}
	v.SetDefault("economy.daily_ranges", ranges)
	v.SetDefault("economy.streak_bonus", tierMap(def.Bonus.StreakBonus))
	v.SetDefault("economy.subscription_bonus", tierMap(def.SubscriptionBonus))
}

func tierMap(m map[profile.Tier]int64) map[string]any {
	out := make(map[string]any, len(m))
	for tier, n := range m {
		out[string(tier)] = n
	}
	return out
}

// =============================================================================
// CONVERSION
// =============================================================================

// EngineConfig converts the economy section, rejecting unknown reasons and
// tiers, and validates the result.
func (c *Config) EngineConfig() (engine.Config, error) {
	e := c.Economy
	var errs []error

	prices := make(ledger.PriceList, len(e.Prices))
	for name, cost := range e.Prices {
		reason, err := ledger.ParseReason(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("economy.prices: %w", err))
			continue
		}
		prices[reason] = cost
	}

	ranges := make(map[profile.Tier]bonus.Range, len(e.DailyRanges))
	for name, r := range e.DailyRanges {
		tier, err := parseTier("economy.daily_ranges", name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ranges[tier] = r
	}

	streakBonus, err := tierAmounts("economy.streak_bonus", e.StreakBonus)
	if err != nil {
		errs = append(errs, err)
	}
	subBonus, err := tierAmounts("economy.subscription_bonus", e.SubscriptionBonus)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return engine.Config{}, err
	}

	out := engine.Config{
		NewUserBonus:         e.NewUserBonus,
		FreezeCost:           e.FreezeCost,
		Prices:               prices,
		Bonus:                bonus.Config{DailyRanges: ranges, StreakBonus: streakBonus},
		SubscriptionBonus:    subBonus,
		ReactionRefund:       e.ReactionRefund,
		AcceptedAnswerReward: e.AcceptedAnswerReward,
	}
	if err := out.Validate(); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// Catalog loads the configured badge catalog.
func (c *Config) Catalog() (*badge.Catalog, error) {
	if c.Badges.CatalogPath == "" {
		return badge.DefaultCatalog(), nil
	}
	return badge.LoadCatalogFile(c.Badges.CatalogPath)
}

func parseTier(section, name string) (profile.Tier, error) {
	tier := profile.Tier(name)
	if !tier.Valid() {
		return "", fmt.Errorf("%s: unknown tier %q", section, name)
	}
	return tier, nil
}

func tierAmounts(section string, in map[string]int64) (map[profile.Tier]int64, error) {
	out := make(map[profile.Tier]int64, len(in))
	var errs []error
	for name, n := range in {
		tier, err := parseTier(section, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[tier] = n
	}
	return out, errors.Join(errs...)
}
