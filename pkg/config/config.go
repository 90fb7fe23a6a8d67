package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRunID is used when no CI run identity is available.
const DefaultRunID = "local"

// Config holds all preflight configuration.
type Config struct {
	RunID    string         `yaml:"run_id"`
	Seed     SeedConfig     `yaml:"seed"`
	Budget   BudgetConfig   `yaml:"budget"`
	Estimate EstimateConfig `yaml:"estimate"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

// SeedConfig controls the once-per-run seed coordinator.
// Backend is "file" (default) or "sqlite".
type SeedConfig struct {
	Dir          string        `yaml:"dir"`
	Namespace    string        `yaml:"namespace"`
	Backend      string        `yaml:"backend"`
	DBPath       string        `yaml:"db_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// BudgetConfig controls the daily request-budget gate.
type BudgetConfig struct {
	Disabled           bool          `yaml:"disabled"`
	DailyLimit         int           `yaml:"daily_limit"`
	Reserve            int           `yaml:"reserve"`
	AutomationBudget   int           `yaml:"automation_budget"`
	RequestsPerCase    int           `yaml:"requests_per_case"`
	PlannedOverride    *int          `yaml:"planned_override"`
	StatePath          string        `yaml:"state_path"`
	SerializeConsume   bool          `yaml:"serialize_consume"`
	ConsumeLockTimeout time.Duration `yaml:"consume_lock_timeout"`
}

// EstimateConfig controls the static usage estimator.
type EstimateConfig struct {
	Root     string   `yaml:"root"`
	Marker   string   `yaml:"marker"`
	Suffixes []string `yaml:"suffixes"`
	Workers  int      `yaml:"workers"`
}

// LedgerConfig controls the SQLite consumption history.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

const (
	defaultDailyLimit      = 50
	defaultReserve         = 10
	defaultRequestsPerCase = 1
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		RunID: DefaultRunID,
		Seed: SeedConfig{
			Dir:          os.TempDir(),
			Namespace:    "preflight-seed",
			Backend:      "file",
			DBPath:       filepath.Join("test-results", "preflight.db"),
			PollInterval: 250 * time.Millisecond,
			Timeout:      120 * time.Second,
		},
		Budget: BudgetConfig{
			DailyLimit:         defaultDailyLimit,
			Reserve:            defaultReserve,
			RequestsPerCase:    defaultRequestsPerCase,
			StatePath:          filepath.Join("test-results", "ai-budget-state.json"),
			ConsumeLockTimeout: 10 * time.Second,
		},
		Estimate: EstimateConfig{
			Root:     "tests",
			Marker:   "@live",
			Suffixes: []string{".spec.ts", ".spec.js", ".test.ts", ".test.js"},
			Workers:  8,
		},
		Ledger: LedgerConfig{
			DBPath: filepath.Join("test-results", "ai-budget-ledger.db"),
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables on cfg. Unparseable values are
// errors; non-positive numbers keep the current value.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if id := runIDFromEnv(lookup); id != "" {
		c.RunID = id
	}
	if v, ok := nonEmpty(lookup, "PREFLIGHT_SEED_DIR"); ok {
		c.Seed.Dir = v
	}

	if v, ok := nonEmpty(lookup, "AI_BUDGET_DISABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AI_BUDGET_DISABLED: %w", err)
		}
		c.Budget.Disabled = b
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AI_DAILY_LIMIT", &c.Budget.DailyLimit},
		{"AI_AUTOMATION_BUDGET", &c.Budget.AutomationBudget},
		{"AI_REQUESTS_PER_CASE", &c.Budget.RequestsPerCase},
	}
	for _, e := range ints {
		n, ok, err := envInt(lookup, e.key)
		if err != nil {
			return err
		}
		if ok && n > 0 {
			*e.dst = n
		}
	}

	// Reserve may legitimately be zero.
	if n, ok, err := envInt(lookup, "AI_DAILY_RESERVE"); err != nil {
		return err
	} else if ok && n >= 0 {
		c.Budget.Reserve = n
	}

	if n, ok, err := envInt(lookup, "AI_PLANNED_REQUESTS"); err != nil {
		return err
	} else if ok {
		if n < 0 {
			n = 0
		}
		c.Budget.PlannedOverride = &n
	}

	if v, ok := nonEmpty(lookup, "AI_BUDGET_STATE_PATH"); ok {
		c.Budget.StatePath = v
	}
	if v, ok := nonEmpty(lookup, "AI_LIVE_MARKER"); ok {
		c.Estimate.Marker = v
	}
	if v, ok := nonEmpty(lookup, "AI_TESTS_DIR"); ok {
		c.Estimate.Root = v
	}

	c.Normalize()
	return nil
}

// Normalize restores defaults for values that must be positive.
func (c *Config) Normalize() {
	def := Default()
	if c.RunID == "" {
		c.RunID = DefaultRunID
	}
	if c.Seed.Dir == "" {
		c.Seed.Dir = def.Seed.Dir
	}
	if c.Seed.Namespace == "" {
		c.Seed.Namespace = def.Seed.Namespace
	}
	if c.Seed.Backend == "" {
		c.Seed.Backend = def.Seed.Backend
	}
	if c.Seed.PollInterval <= 0 {
		c.Seed.PollInterval = def.Seed.PollInterval
	}
	if c.Seed.Timeout <= 0 {
		c.Seed.Timeout = def.Seed.Timeout
	}
	if c.Budget.DailyLimit <= 0 {
		c.Budget.DailyLimit = def.Budget.DailyLimit
	}
	if c.Budget.Reserve < 0 {
		c.Budget.Reserve = 0
	}
	if c.Budget.AutomationBudget < 0 {
		c.Budget.AutomationBudget = 0
	}
	if c.Budget.RequestsPerCase <= 0 {
		c.Budget.RequestsPerCase = def.Budget.RequestsPerCase
	}
	if c.Budget.StatePath == "" {
		c.Budget.StatePath = def.Budget.StatePath
	}
	if c.Budget.ConsumeLockTimeout <= 0 {
		c.Budget.ConsumeLockTimeout = def.Budget.ConsumeLockTimeout
	}
	if c.Estimate.Marker == "" {
		c.Estimate.Marker = def.Estimate.Marker
	}
	if len(c.Estimate.Suffixes) == 0 {
		c.Estimate.Suffixes = def.Estimate.Suffixes
	}
	if c.Estimate.Workers <= 0 {
		c.Estimate.Workers = def.Estimate.Workers
	}
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = def.Ledger.DBPath
	}
}

// EffectiveBudget returns the daily automation budget: the explicit override
// when set, otherwise the daily limit minus the reserve, floored at zero.
func (b BudgetConfig) EffectiveBudget() int {
	if b.AutomationBudget > 0 {
		return b.AutomationBudget
	}
	limit := b.DailyLimit
	if limit <= 0 {
		limit = defaultDailyLimit
	}
	reserve := b.Reserve
	if reserve < 0 {
		reserve = 0
	}
	return max(0, limit-reserve)
}

func runIDFromEnv(lookup LookupFunc) string {
	if v, ok := nonEmpty(lookup, "PREFLIGHT_RUN_ID"); ok {
		return v
	}
	if v, ok := nonEmpty(lookup, "GITHUB_RUN_ID"); ok {
		if attempt, ok := nonEmpty(lookup, "GITHUB_RUN_ATTEMPT"); ok {
			return v + "-" + attempt
		}
		return v
	}
	if v, ok := nonEmpty(lookup, "CI_PIPELINE_ID"); ok {
		return v
	}
	return ""
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func envInt(lookup LookupFunc, key string) (int, bool, error) {
	v, ok := nonEmpty(lookup, key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}
