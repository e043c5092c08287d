package creditgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Providers  []ProviderConfig `yaml:"providers"`
	Routing    RoutingConfig    `yaml:"routing"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Health     HealthConfig     `yaml:"health"`
	Quality    QualityConfig    `yaml:"quality"`
	Settlement SettlementConfig `yaml:"settlement"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Records    RecordsConfig    `yaml:"records"`
	Audit      AuditConfig      `yaml:"audit"`
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
}

// ProviderConfig configures a single upstream provider.
type ProviderConfig struct {
	ID             string        `yaml:"id"`
	Adapter        string        `yaml:"adapter"`
	BaseURL        string        `yaml:"base_url"`
	Auth           Auth          `yaml:"auth"`
	DiscountRate   float64       `yaml:"discount_rate"`
	BaseQuality    float64       `yaml:"base_quality"`
	MinAccountTier AccountTier   `yaml:"min_account_tier"`
	Models         []ModelConfig `yaml:"models"`
}

// ModelConfig configures one model of a provider.
type ModelConfig struct {
	Name           string      `yaml:"name"`
	CostPerUnit    float64     `yaml:"cost_per_unit"`
	CapabilityTier QualityTier `yaml:"capability_tier"`
}

// RoutingConfig tunes the ranking policy.
type RoutingConfig struct {
	Policy        string                  `yaml:"policy"` // weighted, cost_first, quality_first
	Weights       Weights                 `yaml:"weights"`
	TierDiscounts map[AccountTier]float64 `yaml:"tier_discounts"`
}

// DispatchConfig bounds provider calls.
type DispatchConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// RequestTimeout defaults to MaxAttempts * AttemptTimeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HealthConfig tunes provider availability tracking.
type HealthConfig struct {
	Window        time.Duration `yaml:"window"`
	DegradedAfter int           `yaml:"degraded_after"`
	DownAfter     int           `yaml:"down_after"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

// QualityConfig tunes the rolling provider quality score.
type QualityConfig struct {
	EWMAAlpha float64 `yaml:"ewma_alpha"`
}

// SettlementConfig tunes rewards and the reconciliation sweep.
type SettlementConfig struct {
	ReconcileAfter   time.Duration `yaml:"reconcile_after"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	Retention        time.Duration `yaml:"retention"`
	DepthThreshold   int           `yaml:"depth_threshold"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend            string `yaml:"backend"` // memory, redis, postgres
	DSN                string `yaml:"dsn"`
	RedisAddr          string `yaml:"redis_addr"`
	KeyPrefix          string `yaml:"key_prefix"`
	TablePrefix        string `yaml:"table_prefix"`
	MaxConflictRetries int    `yaml:"max_conflict_retries"`
}

// RecordsConfig selects the request record backend.
type RecordsConfig struct {
	Backend string `yaml:"backend"` // memory, gorm
	Driver  string `yaml:"driver"`  // postgres, sqlite
	DSN     string `yaml:"dsn"`
}

// AuditConfig enables signing of terminal request records.
type AuditConfig struct {
	SigningKey string `yaml:"signing_key"` // hex secp256k1 private key
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default values applied by WithDefaults.
const (
	DefaultAttemptTimeout   = 30 * time.Second
	DefaultMaxAttempts      = 3
	DefaultHealthWindow     = 5 * time.Minute
	DefaultDegradedAfter    = 3
	DefaultDownAfter        = 10
	DefaultCooldown         = 30 * time.Second
	DefaultEWMAAlpha        = 0.2
	DefaultReconcileAfter   = 10 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultRetention        = 90 * 24 * time.Hour
	DefaultDepthThreshold   = 150
	DefaultSweepConcurrency = 8
)

// DefaultTierDiscounts is the account-tier discount applied after cost estimation.
func DefaultTierDiscounts() map[AccountTier]float64 {
	return map[AccountTier]float64{
		AccountBasic:    0,
		AccountStandard: 0,
		AccountPremium:  0.05,
		AccountElite:    0.10,
	}
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditgate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, validates them and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg.WithDefaults(), nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("creditgate: config: at least one provider is required")
	}

	ids := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("creditgate: config: providers[%d]: id is required", i)
		}
		if ids[p.ID] {
			return fmt.Errorf("creditgate: config: duplicate provider id %q", p.ID)
		}
		ids[p.ID] = true

		if p.DiscountRate < 0 || p.DiscountRate >= 1 {
			return fmt.Errorf("creditgate: config: provider %s: discount_rate must be in [0,1)", p.ID)
		}
		if p.BaseQuality < 0 || p.BaseQuality > 1 {
			return fmt.Errorf("creditgate: config: provider %s: base_quality must be in [0,1]", p.ID)
		}
		if p.MinAccountTier != "" && !p.MinAccountTier.Valid() {
			return fmt.Errorf("creditgate: config: provider %s: invalid min_account_tier %q", p.ID, p.MinAccountTier)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("creditgate: config: provider %s: at least one model is required", p.ID)
		}
		for j, m := range p.Models {
			if m.Name == "" {
				return fmt.Errorf("creditgate: config: provider %s: models[%d]: name is required", p.ID, j)
			}
			if m.CostPerUnit <= 0 {
				return fmt.Errorf("creditgate: config: provider %s: model %s: cost_per_unit must be positive", p.ID, m.Name)
			}
			if !m.CapabilityTier.Valid() {
				return fmt.Errorf("creditgate: config: provider %s: model %s: invalid capability_tier %q", p.ID, m.Name, m.CapabilityTier)
			}
		}
	}

	switch c.Routing.Policy {
	case "", "weighted", "cost_first", "quality_first":
	default:
		return fmt.Errorf("creditgate: config: unknown routing policy %q", c.Routing.Policy)
	}
	w := c.Routing.Weights
	if w.Quality < 0 || w.Cost < 0 || w.Affinity < 0 {
		return fmt.Errorf("creditgate: config: routing weights must be non-negative")
	}
	for tier, d := range c.Routing.TierDiscounts {
		if !tier.Valid() {
			return fmt.Errorf("creditgate: config: tier_discounts: unknown tier %q", tier)
		}
		if d < 0 || d >= 1 {
			return fmt.Errorf("creditgate: config: tier_discounts[%s] must be in [0,1)", tier)
		}
	}

	if c.Dispatch.MaxAttempts < 0 {
		return fmt.Errorf("creditgate: config: dispatch.max_attempts must be non-negative")
	}
	if c.Quality.EWMAAlpha < 0 || c.Quality.EWMAAlpha > 1 {
		return fmt.Errorf("creditgate: config: quality.ewma_alpha must be in [0,1]")
	}

	switch c.Ledger.Backend {
	case "", "memory":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("creditgate: config: ledger.redis_addr is required for the redis backend")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("creditgate: config: ledger.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("creditgate: config: unknown ledger backend %q", c.Ledger.Backend)
	}

	switch c.Records.Backend {
	case "", "memory":
	case "gorm":
		if c.Records.Driver != "postgres" && c.Records.Driver != "sqlite" {
			return fmt.Errorf("creditgate: config: records.driver must be postgres or sqlite")
		}
	default:
		return fmt.Errorf("creditgate: config: unknown records backend %q", c.Records.Backend)
	}

	return nil
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Routing.Weights == (Weights{}) {
		c.Routing.Weights = DefaultWeights()
	}
	if c.Routing.TierDiscounts == nil {
		c.Routing.TierDiscounts = DefaultTierDiscounts()
	}

	if c.Dispatch.AttemptTimeout <= 0 {
		c.Dispatch.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = DefaultMaxAttempts
	}
	if c.Dispatch.RequestTimeout <= 0 {
		c.Dispatch.RequestTimeout = time.Duration(c.Dispatch.MaxAttempts) * c.Dispatch.AttemptTimeout
	}

	c.Health = c.Health.withDefaults()

	if c.Quality.EWMAAlpha == 0 {
		c.Quality.EWMAAlpha = DefaultEWMAAlpha
	}

	if c.Settlement.ReconcileAfter <= 0 {
		c.Settlement.ReconcileAfter = DefaultReconcileAfter
	}
	if c.Settlement.SweepInterval <= 0 {
		c.Settlement.SweepInterval = DefaultSweepInterval
	}
	if c.Settlement.Retention <= 0 {
		c.Settlement.Retention = DefaultRetention
	}
	if c.Settlement.DepthThreshold <= 0 {
		c.Settlement.DepthThreshold = DefaultDepthThreshold
	}
	if c.Settlement.SweepConcurrency <= 0 {
		c.Settlement.SweepConcurrency = DefaultSweepConcurrency
	}

	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "memory"
	}
	if c.Ledger.MaxConflictRetries <= 0 {
		c.Ledger.MaxConflictRetries = DefaultRetryPolicy().MaxRetries
	}
	if c.Records.Backend == "" {
		c.Records.Backend = "memory"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	return c
}

func (h HealthConfig) withDefaults() HealthConfig {
	if h.Window <= 0 {
		h.Window = DefaultHealthWindow
	}
	if h.DegradedAfter <= 0 {
		h.DegradedAfter = DefaultDegradedAfter
	}
	if h.DownAfter <= 0 {
		h.DownAfter = DefaultDownAfter
	}
	if h.Cooldown <= 0 {
		h.Cooldown = DefaultCooldown
	}
	return h
}

// DirectoryProviders converts provider config into directory entries.
func (c Config) DirectoryProviders() []Provider {
	out := make([]Provider, 0, len(c.Providers))
	for _, pc := range c.Providers {
		p := Provider{
			ID:             pc.ID,
			Adapter:        pc.Adapter,
			Auth:           pc.Auth,
			DiscountRate:   pc.DiscountRate,
			BaseQuality:    pc.BaseQuality,
			MinAccountTier: pc.MinAccountTier,
		}
		for _, m := range pc.Models {
			p.Models = append(p.Models, ModelSpec{
				ProviderID:     pc.ID,
				Name:           m.Name,
				CostPerUnit:    m.CostPerUnit,
				CapabilityTier: m.CapabilityTier,
			})
		}
		out = append(out, p)
	}
	return out
}
