// Package agent defines the council's agent abstraction: a named role
// backed by a model, capable of thinking, voting, and executing
// sub-tasks, and optionally delegating work to other agents.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/concordhq/concord/pkg/llm"
	"github.com/concordhq/concord/pkg/protocol"
	"github.com/concordhq/concord/pkg/registry"
)

// Role names the council's built-in presets. Custom roles are accepted by
// the registry too; these constants exist only as defaults.
type Role string

const (
	RoleOrchestrator    Role = "orchestrator"
	RolePlanner         Role = "planner"
	RoleArchitect       Role = "architect"
	RoleCoder           Role = "coder"
	RoleReviewer        Role = "reviewer"
	RoleSecurityAuditor Role = "security_auditor"
	RoleWebResearcher   Role = "web_researcher"
)

// Config describes one agent's static configuration: identity, model
// assignment, and delegation policy.
type Config struct {
	Name               string
	Role               Role
	SystemPrompt       string
	Model              string
	AllowDelegation    bool
	AllowedAgents      []string
	MaxDelegationDepth int
	Capabilities       []string
}

// defaultModels mirrors the per-role model assignment the council uses
// when a Config does not specify a model explicitly.
var defaultModels = map[Role]string{
	RoleOrchestrator:    "claude-opus",
	RoleArchitect:       "claude-opus",
	RolePlanner:         "claude-opus",
	RoleCoder:           "gemini-flash",
	RoleReviewer:        "gemini-flash",
	RoleSecurityAuditor: "codex",
	RoleWebResearcher:   "gemini-pro",
}

// ModelForRole returns the default model assigned to role, or llm.ModelDefault
// if the role has no preset.
func ModelForRole(role Role) string {
	if m, ok := defaultModels[role]; ok {
		return m
	}
	return llm.ModelDefault
}

// RolePreset is the out-of-the-box Config for one of the council's named
// roles: a system prompt and capability set, with Name/Model left for the
// caller to fill in at registration time.
type RolePreset struct {
	Role         Role
	SystemPrompt string
	Capabilities []string
}

// RolePresets are the council's seven standing roles. cmd/concord registers
// one agent per preset by default; callers are free to register additional
// custom roles the registry has no preset for.
var RolePresets = []RolePreset{
	{
		Role:         RoleOrchestrator,
		SystemPrompt: "You coordinate the council's work: you analyze the incoming goal, decide what still needs exploring, and keep the plan moving through its states.",
	},
	{
		Role:         RolePlanner,
		SystemPrompt: "You break a goal down into an ordered list of small, independently verifiable subtasks for the coder to implement.",
	},
	{
		Role:         RoleArchitect,
		SystemPrompt: "You evaluate proposed designs for long-term maintainability, weigh complexity against benefit, and flag technical debt before it's incurred. You never approve a design you haven't reasoned about the failure modes of.",
		Capabilities: []string{"review_pro"},
	},
	{
		Role:         RoleCoder,
		SystemPrompt: "You implement subtasks as small diffs, writing tests first wherever the codebase supports it, and favor readability over cleverness.",
	},
	{
		Role:         RoleReviewer,
		SystemPrompt: "You review completed work against the stated goal and vote on whether it's ready to commit.",
		Capabilities: []string{"review"},
	},
	{
		Role:         RoleSecurityAuditor,
		SystemPrompt: "You review proposed work as a skeptic: assume every input is hostile, give no benefit of the doubt, and flag anything touching auth, input handling, or secrets as a risk worth a second look.",
		Capabilities: []string{"review_pro"},
	},
	{
		Role:         RoleWebResearcher,
		SystemPrompt: "You answer open questions the council has raised by researching them and reporting back a concise, sourced answer.",
		Capabilities: []string{"research"},
	},
}

// Agent is a configured, runnable council participant.
type Agent struct {
	Config Config
	client llm.Client
}

// New constructs an Agent backed by client, filling in a default model
// from the role preset if cfg.Model is empty.
func New(cfg Config, client llm.Client) *Agent {
	if cfg.Model == "" {
		cfg.Model = ModelForRole(cfg.Role)
	}
	if cfg.MaxDelegationDepth == 0 {
		cfg.MaxDelegationDepth = 3
	}
	return &Agent{Config: cfg, client: client}
}

// Name returns the agent's registry name.
func (a *Agent) Name() string { return a.Config.Name }

// MaxDelegationDepth returns this agent's own delegation depth cap, for
// the delegation manager to combine with its global cap via min().
func (a *Agent) MaxDelegationDepth() int { return a.Config.MaxDelegationDepth }

// CanDelegateTo reports whether this agent is permitted to delegate to the
// named target, per its static allow-list.
func (a *Agent) CanDelegateTo(target string) bool {
	if !a.Config.AllowDelegation {
		return false
	}
	if len(a.Config.AllowedAgents) == 0 {
		return true
	}
	for _, allowed := range a.Config.AllowedAgents {
		if allowed == target {
			return true
		}
	}
	return false
}

func (a *Agent) systemMessages(extra ...string) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: a.Config.SystemPrompt}}
	for _, e := range extra {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: e})
	}
	return msgs
}

// Think asks the agent to reason about prompt and return a structured,
// length-bounded result rather than free-form prose.
func (a *Agent) Think(ctx context.Context, prompt string) (protocol.MinimalThinkResult, error) {
	messages := append(a.systemMessages(), llm.Message{Role: llm.RoleUser, Content: prompt})
	resp, err := a.client.StructuredCompletion(ctx, llm.StructuredRequest{
		Model:      a.Config.Model,
		Messages:   messages,
		Schema:     protocol.ThinkResultSchema(),
		SchemaName: "think_result",
	})
	if err != nil {
		return protocol.MinimalThinkResult{}, fmt.Errorf("agent %s: think: %w", a.Name(), err)
	}
	var result protocol.MinimalThinkResult
	if err := json.Unmarshal(resp.JSON, &result); err != nil {
		return protocol.MinimalThinkResult{}, fmt.Errorf("agent %s: think: decode: %w", a.Name(), err)
	}
	return protocol.NewMinimalThinkResult(result.Summary, result.Concerns, result.Suggestions, result.Confidence, result.Perspective), nil
}

// Vote asks the agent to cast a structured vote on proposal.
func (a *Agent) Vote(ctx context.Context, proposal string) (protocol.MinimalVote, error) {
	messages := append(a.systemMessages(), llm.Message{Role: llm.RoleUser, Content: proposal})
	resp, err := a.client.StructuredCompletion(ctx, llm.StructuredRequest{
		Model:      a.Config.Model,
		Messages:   messages,
		Schema:     protocol.VoteSchema(),
		SchemaName: "vote",
	})
	if err != nil {
		return protocol.MinimalVote{}, fmt.Errorf("agent %s: vote: %w", a.Name(), err)
	}
	var v protocol.MinimalVote
	if err := json.Unmarshal(resp.JSON, &v); err != nil {
		return protocol.MinimalVote{}, fmt.Errorf("agent %s: vote: decode: %w", a.Name(), err)
	}
	v.Agent = a.Name()
	return protocol.NewMinimalVote(a.Name(), v.Vote, v.Confidence, v.Risks, v.BlockingReason), nil
}

// Execute asks the agent to perform work described by instruction and
// returns its free-form output (e.g. a diff, a file, a report).
func (a *Agent) Execute(ctx context.Context, instruction string) (string, error) {
	messages := append(a.systemMessages(), llm.Message{Role: llm.RoleUser, Content: instruction})
	resp, err := a.client.Completion(ctx, llm.Request{
		Model:    a.Config.Model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("agent %s: execute: %w", a.Name(), err)
	}
	return resp.Content, nil
}

// Registry indexes agents by name. Capability lookups (WithCapability) scan
// every registered agent.
type Registry struct {
	byName *registry.BaseRegistry[*Agent]
}

// NewRegistry creates an empty agent Registry.
func NewRegistry() *Registry {
	return &Registry{byName: registry.NewBaseRegistry[*Agent]()}
}

// Register adds an agent under its own name.
func (r *Registry) Register(a *Agent) error {
	return r.byName.Register(a.Name(), a)
}

// Get looks up an agent by name.
func (r *Registry) Get(name string) (*Agent, bool) {
	return r.byName.Get(name)
}

// List returns every registered agent.
func (r *Registry) List() []*Agent {
	return r.byName.List()
}

// WithCapability returns every registered agent advertising the given
// capability tag.
func (r *Registry) WithCapability(capability string) []*Agent {
	var out []*Agent
	for _, a := range r.byName.List() {
		for _, c := range a.Config.Capabilities {
			if c == capability {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	return r.byName.Count()
}
