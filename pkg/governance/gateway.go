// Package governance implements the human-in-the-loop approval gateway:
// content/path safety scanning, risk classification for actions and
// decisions, approval request lifecycle, and a per-agent circuit breaker.
package governance

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/concordhq/concord/pkg/consensus"
)

// RiskLevel classifies how dangerous a proposed action or decision is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ActionType names a concrete operation an agent wants to perform.
type ActionType string

const (
	ActionDeploy       ActionType = "deploy"
	ActionDatabase     ActionType = "database"
	ActionSecurity     ActionType = "security"
	ActionFinancial    ActionType = "financial"
	ActionFileDelete   ActionType = "file_delete"
	ActionConfigChange ActionType = "config_change"
	ActionExternalAPI  ActionType = "external_api"
	ActionFileModify   ActionType = "file_modify"
)

// DecisionType names a strategic fork the orchestrator is about to commit
// to (as opposed to a concrete filesystem/process action).
type DecisionType string

const (
	DecisionDeploy             DecisionType = "deploy"
	DecisionSchemaMigration    DecisionType = "schema_migration"
	DecisionArchitectureChange DecisionType = "architecture_change"
	DecisionScopeExpansion     DecisionType = "scope_expansion"
	DecisionSecurityException  DecisionType = "security_exception"
	DecisionDataRetention      DecisionType = "data_retention"
	DecisionModelSelection     DecisionType = "model_selection"
)

// dangerousPattern pairs a content regex with the risk level it implies.
// match, when set, overrides pattern.MatchString for checks RE2 cannot
// express directly (e.g. "DELETE without a WHERE clause").
type dangerousPattern struct {
	pattern *regexp.Regexp
	match   func(content string) bool
	risk    RiskLevel
	reason  string
}

func (p dangerousPattern) matches(content string) bool {
	if p.match != nil {
		return p.match(content)
	}
	return p.pattern.MatchString(content)
}

var deleteStatementRe = regexp.MustCompile(`(?i)delete\s+from\s+\S+`)

// deleteWithoutWhere reports whether content contains a DELETE FROM
// statement with no accompanying WHERE clause anywhere in the statement.
func deleteWithoutWhere(content string) bool {
	return deleteStatementRe.MatchString(content) && !regexp.MustCompile(`(?i)where`).MatchString(content)
}

// dangerousPatterns mirrors the council's content safety table: regexes
// over a proposed action's content (a shell command, a diff, a query) that
// force a minimum risk classification regardless of the agent's own
// self-report.
var dangerousPatterns = []dangerousPattern{
	{pattern: regexp.MustCompile(`rm\s+-rf\s+/`), risk: RiskCritical, reason: "recursive delete from filesystem root"},
	{pattern: regexp.MustCompile(`(?i)mkfs(\.\w+)?\s+`), risk: RiskCritical, reason: "privileged disk format"},
	{pattern: regexp.MustCompile(`(?i)dd\s+.*of=/dev/`), risk: RiskCritical, reason: "raw device write"},
	{pattern: regexp.MustCompile(`(?i)drop\s+table`), risk: RiskCritical, reason: "destructive SQL schema change"},
	{pattern: regexp.MustCompile(`(?i)drop\s+database`), risk: RiskCritical, reason: "destructive SQL database drop"},
	{pattern: regexp.MustCompile(`(?i)truncate\s+table`), risk: RiskCritical, reason: "destructive SQL table truncation"},
	{match: deleteWithoutWhere, risk: RiskCritical, reason: "SQL DELETE with no WHERE clause"},
	{pattern: regexp.MustCompile(`:(){:\|:&};:`), risk: RiskCritical, reason: "fork bomb"},
	{pattern: regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`), risk: RiskHigh, reason: "dynamic code execution"},
	{pattern: regexp.MustCompile(`(?i)(__import__|importlib\.import_module)\s*\(`), risk: RiskHigh, reason: "dynamic module import"},
	{pattern: regexp.MustCompile(`(?i)curl.*\|\s*(sh|bash)`), risk: RiskHigh, reason: "pipe remote script directly into a shell"},
	{pattern: regexp.MustCompile(`(?i)chmod\s+777`), risk: RiskHigh, reason: "world-writable permission grant"},
	{pattern: regexp.MustCompile(`(?i)git\s+push\s+.*--force`), risk: RiskHigh, reason: "force push can overwrite remote history"},
	{pattern: regexp.MustCompile(`(?i)\b(unlink|os\.remove|fs\.unlink)\s*\(`), risk: RiskMedium, reason: "file removal"},
	{pattern: regexp.MustCompile(`(?i)\bsudo\b`), risk: RiskMedium, reason: "privilege escalation"},
	{pattern: regexp.MustCompile(`(?i)api[_-]?key|secret[_-]?key|password\s*=`), risk: RiskMedium, reason: "possible credential in content"},
}

// protectedPaths are glob patterns whose matching files cannot be written
// or deleted without explicit approval.
var protectedPaths = []string{
	"deploy/**",
	"config/production/**",
	"*.env",
	".env.*",
	"secrets/**",
	"*.key",
	"*.pem",
	"database/migrations/**",
	"**/.git/**",
	"**/credentials*",
	"go.sum",
}

// highRiskActions is the baseline risk assigned to each action type before
// content/path scanning can raise it further.
var highRiskActions = map[ActionType]RiskLevel{
	ActionDeploy:       RiskCritical,
	ActionDatabase:     RiskCritical,
	ActionSecurity:     RiskCritical,
	ActionFinancial:    RiskCritical,
	ActionFileDelete:   RiskHigh,
	ActionConfigChange: RiskMedium,
	ActionExternalAPI:  RiskMedium,
	ActionFileModify:   RiskLow,
}

// highRiskDecisions is the baseline risk assigned to each decision type.
var highRiskDecisions = map[DecisionType]RiskLevel{
	DecisionDeploy:             RiskHigh,
	DecisionSchemaMigration:    RiskHigh,
	DecisionArchitectureChange: RiskMedium,
	DecisionScopeExpansion:     RiskLow,
	DecisionSecurityException:  RiskCritical,
	DecisionDataRetention:      RiskHigh,
	DecisionModelSelection:     RiskLow,
}

func riskAtLeast(a, b RiskLevel) bool {
	order := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}
	return order[a] >= order[b]
}

func maxRisk(a, b RiskLevel) RiskLevel {
	if riskAtLeast(a, b) {
		return a
	}
	return b
}

// CheckSafety scans content and an optional file path against the
// dangerous-content and protected-path tables, returning the highest risk
// level triggered and the reasons that triggered it.
func CheckSafety(content, path string) (RiskLevel, []string) {
	risk := RiskLow
	var reasons []string

	for _, p := range dangerousPatterns {
		if p.matches(content) {
			risk = maxRisk(risk, p.risk)
			reasons = append(reasons, p.reason)
		}
	}

	if path != "" {
		for _, glob := range protectedPaths {
			if matchesProtectedPath(glob, path) {
				risk = maxRisk(risk, RiskHigh)
				reasons = append(reasons, fmt.Sprintf("path %q matches protected pattern %q", path, glob))
				break
			}
		}
	}

	return risk, reasons
}

// matchesProtectedPath evaluates a protected-path glob against path. A
// "**/segment/**" glob is treated as "path contains this segment anywhere",
// since filepath.Match has no double-star support; everything else goes
// through filepath.Match against the path's base name, then against the
// full path.
func matchesProtectedPath(glob, path string) bool {
	if strings.Contains(glob, "**") {
		segment := strings.Trim(glob, "*/")
		return strings.Contains(path, segment)
	}
	if matched, _ := filepath.Match(glob, filepath.Base(path)); matched {
		return true
	}
	matched, _ := filepath.Match(glob, path)
	return matched
}

// RequiresApproval reports whether an action of the given type, with the
// given content/path, needs human approval before it can proceed.
func RequiresApproval(action ActionType, content, path string) (bool, RiskLevel, []string) {
	baseline := highRiskActions[action]
	risk, reasons := CheckSafety(content, path)
	risk = maxRisk(risk, baseline)
	return riskAtLeast(risk, RiskHigh), risk, reasons
}

// RequiresDecisionApproval reports whether a strategic decision of the
// given type needs human approval.
func RequiresDecisionApproval(decision DecisionType) (bool, RiskLevel) {
	risk := highRiskDecisions[decision]
	return riskAtLeast(risk, RiskMedium), risk
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is a single pending-or-resolved human approval gate.
type ApprovalRequest struct {
	ID        string
	ThreadID  string
	Agent     string
	Kind      string // "action" or "decision"
	Subject   string
	Risk      RiskLevel
	Reasons   []string
	Status    ApprovalStatus
	CreatedAt time.Time
	ResolvedAt time.Time
	Resolver  string
}

// HumanInterrupt is returned by WaitForApproval when a caller must pause
// and surface the request to a human instead of blocking indefinitely.
type HumanInterrupt struct {
	Request ApprovalRequest
}

func (e *HumanInterrupt) Error() string {
	return fmt.Sprintf("governance: awaiting human approval for request %s", e.Request.ID)
}

// Gateway manages the approval request lifecycle and a per-agent circuit
// breaker that trips after repeated failures.
type Gateway struct {
	mu             sync.Mutex
	requests       map[string]*ApprovalRequest
	seq            int
	now            func() time.Time
	failureCounts  map[string]int
	circuitOpen    map[string]bool
	circuitLimit   int
}

// NewGateway creates a Gateway. circuitLimit is the number of consecutive
// agent failures that trips the circuit breaker for that agent.
func NewGateway(circuitLimit int) *Gateway {
	if circuitLimit <= 0 {
		circuitLimit = 3
	}
	return &Gateway{
		requests:      make(map[string]*ApprovalRequest),
		failureCounts: make(map[string]int),
		circuitOpen:   make(map[string]bool),
		circuitLimit:  circuitLimit,
		now:           time.Now,
	}
}

// CreateApprovalRequest opens a new pending request and returns it. IDs
// follow REQ-YYYYMMDD-NNNN, sequential within the gateway's lifetime.
func (g *Gateway) CreateApprovalRequest(threadID, agent, kind, subject string, risk RiskLevel, reasons []string) *ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("REQ-%s-%04d", g.now().Format("20060102"), g.seq)
	req := &ApprovalRequest{
		ID:        id,
		ThreadID:  threadID,
		Agent:     agent,
		Kind:      kind,
		Subject:   subject,
		Risk:      risk,
		Reasons:   reasons,
		Status:    ApprovalPending,
		CreatedAt: g.now(),
	}
	g.requests[id] = req
	return req
}

// ErrRequestNotFound is returned when an approval ID does not exist.
var ErrRequestNotFound = fmt.Errorf("governance: request not found")

// ErrRequestAlreadyResolved is returned when approving/rejecting a request
// that has already been resolved.
var ErrRequestAlreadyResolved = fmt.Errorf("governance: request already resolved")

// Approve marks a pending request approved by resolver.
func (g *Gateway) Approve(id, resolver string) (*ApprovalRequest, error) {
	return g.resolve(id, resolver, ApprovalApproved)
}

// Reject marks a pending request rejected by resolver.
func (g *Gateway) Reject(id, resolver string) (*ApprovalRequest, error) {
	return g.resolve(id, resolver, ApprovalRejected)
}

func (g *Gateway) resolve(id, resolver string, status ApprovalStatus) (*ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.Status != ApprovalPending {
		return nil, ErrRequestAlreadyResolved
	}
	req.Status = status
	req.Resolver = resolver
	req.ResolvedAt = g.now()
	return req, nil
}

// Get returns the request with the given ID.
func (g *Gateway) Get(id string) (*ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	return req, ok
}

// Pending returns every request still awaiting resolution.
func (g *Gateway) Pending() []*ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*ApprovalRequest
	for _, r := range g.requests {
		if r.Status == ApprovalPending {
			out = append(out, r)
		}
	}
	return out
}

// WaitForApproval polls the request's status until it resolves, the
// context is cancelled, or returns a HumanInterrupt immediately if async
// is true (letting the caller surface the request and return control
// instead of blocking this goroutine on it).
func (g *Gateway) WaitForApproval(ctx context.Context, req *ApprovalRequest, async bool) (*ApprovalRequest, error) {
	if async {
		return nil, &HumanInterrupt{Request: *req}
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r, ok := g.Get(req.ID); ok && r.Status != ApprovalPending {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ErrConsensusInsufficientForAutoApproval is returned by AutoApproveWithCouncil
// when the council's decision or the request's own risk level does not meet
// the bar for skipping a human entirely.
var ErrConsensusInsufficientForAutoApproval = fmt.Errorf("governance: consensus does not meet auto-approval bar")

// AutoApproveWithCouncil approves req on behalf of the council when consensus
// already provides equivalent assurance: the council reached AUTO_COMMIT and
// the request's own risk does not reach CRITICAL. A CRITICAL-risk request
// always needs an explicit human approver, regardless of how the council voted.
func (g *Gateway) AutoApproveWithCouncil(req *ApprovalRequest, decision consensus.Decision) (*ApprovalRequest, error) {
	if decision != consensus.DecisionAutoCommit || req.Risk == RiskCritical {
		return nil, ErrConsensusInsufficientForAutoApproval
	}
	return g.Approve(req.ID, "council-consensus")
}

// RecordAgentFailure increments an agent's failure count and trips the
// circuit breaker once circuitLimit consecutive failures accumulate.
func (g *Gateway) RecordAgentFailure(agent string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failureCounts[agent]++
	if g.failureCounts[agent] >= g.circuitLimit {
		g.circuitOpen[agent] = true
	}
}

// RecordAgentSuccess resets an agent's consecutive-failure count.
func (g *Gateway) RecordAgentSuccess(agent string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failureCounts[agent] = 0
}

// IsCircuitOpen reports whether agent's circuit breaker has tripped.
func (g *Gateway) IsCircuitOpen(agent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.circuitOpen[agent]
}

// ResetCircuit manually closes agent's circuit breaker.
func (g *Gateway) ResetCircuit(agent string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.circuitOpen[agent] = false
	g.failureCounts[agent] = 0
}

// Stats summarizes the gateway's approval request history.
type Stats struct {
	Total    int
	Pending  int
	Approved int
	Rejected int
}

// ResolutionRate returns the fraction of requests that have been resolved
// (approved or rejected), or 0 if none have been created yet.
func (s Stats) ResolutionRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Approved+s.Rejected) / float64(s.Total)
}

// Stats returns a summary of every approval request created so far.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := Stats{Total: len(g.requests)}
	for _, r := range g.requests {
		switch r.Status {
		case ApprovalPending:
			stats.Pending++
		case ApprovalApproved:
			stats.Approved++
		case ApprovalRejected:
			stats.Rejected++
		}
	}
	return stats
}
