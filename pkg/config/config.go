// Package config loads the council's layered runtime configuration: a
// base YAML file, optional environment overlay, and optional remote
// providers (Consul, etcd), merged through koanf.
package config

import "fmt"

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// SetDefaults fills zero-valued fields with the council's defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// WaldConfig holds the config file's wald section: sequential-test error
// rates, hypothesis probabilities and a vote cap. These fields do not map
// onto consensus.WaldConfig's posterior thresholds, and cmd/concord does not
// pass them to the consensus package.
type WaldConfig struct {
	Alpha    float64 `koanf:"alpha"`
	Beta     float64 `koanf:"beta"`
	P0       float64 `koanf:"p0"`
	P1       float64 `koanf:"p1"`
	MaxVotes int     `koanf:"max_votes"`
}

// SetDefaults fills zero-valued fields with the council's standard
// sequential-test parameters.
func (c *WaldConfig) SetDefaults() {
	if c.Alpha == 0 {
		c.Alpha = 0.05
	}
	if c.Beta == 0 {
		c.Beta = 0.05
	}
	if c.P0 == 0 {
		c.P0 = 0.5
	}
	if c.P1 == 0 {
		c.P1 = 0.8
	}
	if c.MaxVotes == 0 {
		c.MaxVotes = 9
	}
}

// ShadowConfig holds the config file's shadow section: whether shadow
// consensus runs, and the MinConfidence passed to consensus.ShadowConfig.
type ShadowConfig struct {
	Enabled       *bool   `koanf:"enabled"`
	MinConfidence float64 `koanf:"min_confidence"`
}

// SetDefaults fills zero-valued fields; Enabled defaults to true (shadow
// consensus runs unless explicitly turned off).
func (c *ShadowConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.7
	}
}

// IsEnabled reports whether shadow consensus should run.
func (c *ShadowConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HealingConfig bounds the self-healing loop.
type HealingConfig struct {
	MaxAttempts int    `koanf:"max_attempts"`
	TestCommand string `koanf:"test_command"`
	TimeoutSecs int    `koanf:"timeout_seconds"`
}

// SetDefaults fills zero-valued fields with the council's healing
// defaults.
func (c *HealingConfig) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = 120
	}
}

// CheckpointBackend selects which Store implementation to construct.
type CheckpointBackend string

const (
	CheckpointBackendSQLite   CheckpointBackend = "sqlite"
	CheckpointBackendPostgres CheckpointBackend = "postgres"
	CheckpointBackendRedis    CheckpointBackend = "redis"
)

// CheckpointConfig controls checkpoint persistence.
type CheckpointConfig struct {
	Enabled     *bool             `koanf:"enabled"`
	Backend     CheckpointBackend `koanf:"backend"`
	SQLitePath  string            `koanf:"sqlite_path"`
	PostgresDSN string            `koanf:"postgres_dsn"`
	RedisAddr   string            `koanf:"redis_addr"`
	RedisTTL    int               `koanf:"redis_ttl_seconds"`
}

// SetDefaults fills zero-valued fields with the council's checkpoint
// defaults: enabled, embedded sqlite at a local path.
func (c *CheckpointConfig) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Backend == "" {
		c.Backend = CheckpointBackendSQLite
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "./concord-checkpoints.db"
	}
}

// IsEnabled reports whether checkpointing is turned on.
func (c *CheckpointConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// GovernanceConfig controls the HITL approval gateway.
type GovernanceConfig struct {
	CircuitBreakerLimit int   `koanf:"circuit_breaker_limit"`
	AutoApproveLowRisk  *bool `koanf:"auto_approve_low_risk"`
}

// SetDefaults fills zero-valued fields with the council's governance
// defaults.
func (c *GovernanceConfig) SetDefaults() {
	if c.CircuitBreakerLimit == 0 {
		c.CircuitBreakerLimit = 3
	}
	if c.AutoApproveLowRisk == nil {
		auto := true
		c.AutoApproveLowRisk = &auto
	}
}

// ShouldAutoApproveLowRisk reports whether low-risk actions skip the
// human approval wait entirely.
func (c *GovernanceConfig) ShouldAutoApproveLowRisk() bool {
	return c.AutoApproveLowRisk == nil || *c.AutoApproveLowRisk
}

// LLMProviderConfig names a model provider and the credentials/endpoint
// it needs.
type LLMProviderConfig struct {
	Name    string `koanf:"name"`
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

// OrchestratorConfig bounds the EPCC state machine's run.
type OrchestratorConfig struct {
	MaxIterations      int `koanf:"max_iterations"`
	MaxDelegationDepth int `koanf:"max_delegation_depth"`
}

// SetDefaults fills zero-valued fields with the council's orchestrator
// defaults.
func (c *OrchestratorConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 25
	}
	if c.MaxDelegationDepth == 0 {
		c.MaxDelegationDepth = 3
	}
}

// Config is the council's full runtime configuration.
type Config struct {
	Logging      LoggingConfig       `koanf:"logging"`
	Wald         WaldConfig          `koanf:"wald"`
	Shadow       ShadowConfig        `koanf:"shadow"`
	Healing      HealingConfig       `koanf:"healing"`
	Checkpoint   CheckpointConfig    `koanf:"checkpoint"`
	Governance   GovernanceConfig    `koanf:"governance"`
	Orchestrator OrchestratorConfig  `koanf:"orchestrator"`
	Providers    []LLMProviderConfig `koanf:"providers"`
}

// SetDefaults fills every nested section's zero-valued fields.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Wald.SetDefaults()
	c.Shadow.SetDefaults()
	c.Healing.SetDefaults()
	c.Checkpoint.SetDefaults()
	c.Governance.SetDefaults()
	c.Orchestrator.SetDefaults()
}

// Validate checks invariants SetDefaults cannot fix on its own.
func (c *Config) Validate() error {
	if c.Wald.Alpha <= 0 || c.Wald.Alpha >= 1 {
		return fmt.Errorf("config: wald.alpha must be in (0,1), got %v", c.Wald.Alpha)
	}
	if c.Wald.Beta <= 0 || c.Wald.Beta >= 1 {
		return fmt.Errorf("config: wald.beta must be in (0,1), got %v", c.Wald.Beta)
	}
	if c.Wald.P0 >= c.Wald.P1 {
		return fmt.Errorf("config: wald.p0 (%v) must be less than wald.p1 (%v)", c.Wald.P0, c.Wald.P1)
	}
	switch c.Checkpoint.Backend {
	case CheckpointBackendSQLite:
	case CheckpointBackendPostgres:
		if c.Checkpoint.PostgresDSN == "" {
			return fmt.Errorf("config: checkpoint.postgres_dsn is required when backend is postgres")
		}
	case CheckpointBackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("config: checkpoint.redis_addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("config: unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	return nil
}
