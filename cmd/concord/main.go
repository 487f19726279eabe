// Command concord runs the council deliberation and execution runtime
// from the command line.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/concordhq/concord/pkg/agent"
	"github.com/concordhq/concord/pkg/checkpoint"
	"github.com/concordhq/concord/pkg/clog"
	"github.com/concordhq/concord/pkg/config"
	"github.com/concordhq/concord/pkg/consensus"
	"github.com/concordhq/concord/pkg/delegation"
	"github.com/concordhq/concord/pkg/event"
	"github.com/concordhq/concord/pkg/governance"
	"github.com/concordhq/concord/pkg/ledger"
	"github.com/concordhq/concord/pkg/llm/mock"
	"github.com/concordhq/concord/pkg/orchestrator"
)

// CLI is the root kong command: thin wiring only, no business logic.
type CLI struct {
	Config string `help:"Path to the council config file." default:"council.yaml"`

	Run         RunCmd         `cmd:"" help:"Run a council deliberation on a task."`
	Approve     ApproveCmd     `cmd:"" help:"Approve a pending human-in-the-loop request."`
	Reject      RejectCmd      `cmd:"" help:"Reject a pending human-in-the-loop request."`
	Checkpoints CheckpointsCmd `cmd:"" help:"List checkpoints for a thread."`
	Stats       StatsCmd       `cmd:"" help:"Print delegation and governance statistics for a run."`
}

// RunCmd starts a new council run against a task description.
type RunCmd struct {
	Task     string `arg:"" help:"Task description for the council to work on."`
	ThreadID string `help:"Thread ID to checkpoint this run under." default:"cli-run"`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}

	store, err := openCheckpointStore(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		recovery := checkpoint.NewRecoveryManager(store, nil)
		if _, err := recovery.ScanPending(context.Background(), []string{c.ThreadID}); err != nil {
			return fmt.Errorf("concord: recovery scan: %w", err)
		}
	}

	hub := event.NewHub()
	registry := buildAgentRegistry()
	delegationMgr := delegation.NewManager(cfg.Orchestrator.MaxDelegationDepth, lookupAgent(registry))
	governanceGw := governance.NewGateway(cfg.Governance.CircuitBreakerLimit)
	deps := orchestrator.Deps{
		Hub:             hub,
		Ledger:          ledger.NewDualLedger(c.Task),
		Agents:          registry,
		Delegation:      delegationMgr,
		Governance:      governanceGw,
		CheckpointStore: store,
	}

	smCfg := orchestrator.Config{
		ThreadID:      c.ThreadID,
		MaxIterations: cfg.Orchestrator.MaxIterations,
		ShadowEnabled: cfg.Shadow.IsEnabled(),
		Wald:          consensus.DefaultWaldConfig(),
		Shadow: consensus.ShadowConfig{MinConfidence: cfg.Shadow.MinConfidence},
	}

	sm, err := resumeOrStart(smCfg, deps, store)
	if err != nil {
		return err
	}
	final, err := sm.Run(context.Background(), c.Task)
	if err != nil {
		return fmt.Errorf("concord: run failed: %w", err)
	}

	slog.Info("concord: run finished", "thread_id", c.ThreadID, "final_state", final)
	fmt.Println(final)

	delegationStats := delegationMgr.Stats()
	governanceStats := governanceGw.Stats()
	shadowStats := sm.ShadowStats()
	fmt.Printf("delegations: %d total, %.0f%% succeeded\n", delegationStats.Total, delegationStats.SuccessRate()*100)
	fmt.Printf("approvals: %d total, %.0f%% resolved\n", governanceStats.Total, governanceStats.ResolutionRate()*100)
	fmt.Printf("shadow consensus: %d deliberations, %.0f%% escalated\n", shadowStats.Total, shadowStats.EscalationRate()*100)
	return nil
}

// resumeOrStart restores the state machine from its last checkpoint if one
// exists for smCfg.ThreadID, otherwise starts a fresh run.
func resumeOrStart(smCfg orchestrator.Config, deps orchestrator.Deps, store checkpoint.Store) (*orchestrator.StateMachine, error) {
	if store == nil {
		return orchestrator.New(smCfg, deps), nil
	}
	cp, err := store.Load(context.Background(), smCfg.ThreadID)
	if err == checkpoint.ErrNotFound {
		return orchestrator.New(smCfg, deps), nil
	}
	if err != nil {
		return nil, fmt.Errorf("concord: load checkpoint: %w", err)
	}
	slog.Info("concord: resuming from checkpoint", "thread_id", smCfg.ThreadID, "step", cp.Step)
	return orchestrator.Restore(smCfg, deps, cp)
}

func lookupAgent(registry *agent.Registry) func(string) (delegation.CanDelegate, bool) {
	return func(name string) (delegation.CanDelegate, bool) {
		a, ok := registry.Get(name)
		return a, ok
	}
}

func buildAgentRegistry() *agent.Registry {
	client := mock.New()
	registry := agent.NewRegistry()
	for _, preset := range agent.RolePresets {
		cfg := agent.Config{
			Name:         string(preset.Role),
			Role:         preset.Role,
			SystemPrompt: preset.SystemPrompt,
			Capabilities: preset.Capabilities,
		}
		_ = registry.Register(agent.New(cfg, client))
	}
	return registry
}

// ApproveCmd approves a pending governance request.
type ApproveCmd struct {
	RequestID string `arg:"" help:"Approval request ID."`
	Resolver  string `help:"Name of the human resolving the request." default:"cli-operator"`
}

func (c *ApproveCmd) Run(cli *CLI) error {
	return fmt.Errorf("concord: approve requires a running gateway instance; use the orchestrator's governance API directly in-process for %s", c.RequestID)
}

// RejectCmd rejects a pending governance request.
type RejectCmd struct {
	RequestID string `arg:"" help:"Approval request ID."`
	Resolver  string `help:"Name of the human resolving the request." default:"cli-operator"`
}

func (c *RejectCmd) Run(cli *CLI) error {
	return fmt.Errorf("concord: reject requires a running gateway instance; use the orchestrator's governance API directly in-process for %s", c.RequestID)
}

// CheckpointsCmd lists saved checkpoints for a thread.
type CheckpointsCmd struct {
	ThreadID string `arg:"" help:"Thread ID to list checkpoints for."`
}

func (c *CheckpointsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	store, err := openCheckpointStore(cfg)
	if err != nil {
		return err
	}
	list, err := store.ListCheckpoints(context.Background(), c.ThreadID)
	if err != nil {
		return fmt.Errorf("concord: list checkpoints: %w", err)
	}
	for _, cp := range list {
		fmt.Printf("step=%d saved_at=%s\n", cp.Step, cp.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

// StatsCmd would print delegation/governance/shadow statistics for a past
// run, but those live only in the run's in-process state (see RunCmd, which
// prints them directly when the run it drove finishes).
type StatsCmd struct {
	ThreadID string `arg:"" help:"Thread ID to report statistics for."`
}

func (c *StatsCmd) Run(cli *CLI) error {
	return fmt.Errorf("concord: statistics are only available from the process that drove the run; rerun with 'concord run' to see them for thread %s", c.ThreadID)
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &config.Config{}
		cfg.SetDefaults()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func openCheckpointStore(cfg *config.Config) (checkpoint.Store, error) {
	if !cfg.Checkpoint.IsEnabled() {
		return nil, nil
	}
	switch cfg.Checkpoint.Backend {
	case config.CheckpointBackendSQLite:
		db, err := sql.Open("sqlite3", cfg.Checkpoint.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("concord: open sqlite checkpoint store: %w", err)
		}
		return newSQLCheckpointStore(db, "sqlite3")
	case config.CheckpointBackendPostgres:
		db, err := sql.Open("pgx", cfg.Checkpoint.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("concord: open postgres checkpoint store: %w", err)
		}
		return newSQLCheckpointStore(db, "postgres")
	case config.CheckpointBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Checkpoint.RedisAddr})
		ttl := time.Duration(cfg.Checkpoint.RedisTTL) * time.Second
		store := checkpoint.NewRedisStore(client, ttl)
		if err := store.Initialize(context.Background()); err != nil {
			return nil, fmt.Errorf("concord: open redis checkpoint store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("concord: unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

func newSQLCheckpointStore(db *sql.DB, dialect string) (checkpoint.Store, error) {
	store, err := checkpoint.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

func main() {
	clog.Init(slogLevelFromEnv(), os.Stderr, "simple")

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("concord"),
		kong.Description("Multi-agent deliberation and execution council."),
	)
	if err := ctx.Run(&cli); err != nil {
		slog.Error("concord: command failed", "error", err)
		os.Exit(1)
	}
}

func slogLevelFromEnv() (level slog.Level) {
	level, err := clog.ParseLevel(os.Getenv("CONCORD_LOG_LEVEL"))
	if err != nil {
		return slog.LevelInfo
	}
	return level
}
