package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordhq/concord/pkg/llm/mock"
)

func TestModelForRoleDefaults(t *testing.T) {
	assert.Equal(t, "gemini-flash", ModelForRole(RoleCoder))
	assert.Equal(t, "claude-opus", ModelForRole(RoleOrchestrator))
	assert.Equal(t, "default", ModelForRole(Role("nonexistent")))
}

func TestNewFillsDefaultModelAndDepth(t *testing.T) {
	a := New(Config{Name: "coder-1", Role: RoleCoder}, mock.New())
	assert.Equal(t, "gemini-flash", a.Config.Model)
	assert.Equal(t, 3, a.Config.MaxDelegationDepth)
}

func TestCanDelegateToAllowList(t *testing.T) {
	a := New(Config{Name: "orch", AllowDelegation: true, AllowedAgents: []string{"coder-1"}}, mock.New())
	assert.True(t, a.CanDelegateTo("coder-1"))
	assert.False(t, a.CanDelegateTo("reviewer-1"))
}

func TestCanDelegateToDisabled(t *testing.T) {
	a := New(Config{Name: "orch", AllowDelegation: false}, mock.New())
	assert.False(t, a.CanDelegateTo("coder-1"))
}

func TestCanDelegateToEmptyAllowListMeansAny(t *testing.T) {
	a := New(Config{Name: "orch", AllowDelegation: true}, mock.New())
	assert.True(t, a.CanDelegateTo("anyone"))
}

func TestVoteRoundTrip(t *testing.T) {
	m := mock.New()
	m.OnStructured("please vote", []byte(`{"vote":1,"confidence":0.9,"risks":["perf"]}`))
	a := New(Config{Name: "reviewer-1", Role: RoleReviewer, SystemPrompt: "you review code"}, m)

	vote, err := a.Vote(context.Background(), "please vote")
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", vote.Agent)
	assert.True(t, vote.Vote.IsApprove())
	assert.Equal(t, 0.9, vote.Confidence)
}

func TestThinkRoundTrip(t *testing.T) {
	m := mock.New()
	m.OnStructured("analyze this", []byte(`{"summary":"looks fine","confidence":0.7}`))
	a := New(Config{Name: "architect-1", Role: RoleArchitect}, m)

	result, err := a.Think(context.Background(), "analyze this")
	require.NoError(t, err)
	assert.Equal(t, "looks fine", result.Summary)
}

func TestExecuteReturnsContent(t *testing.T) {
	m := mock.New()
	m.On("write the fix", "diff applied")
	a := New(Config{Name: "coder-1", Role: RoleCoder}, m)

	out, err := a.Execute(context.Background(), "write the fix")
	require.NoError(t, err)
	assert.Equal(t, "diff applied", out)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	a := New(Config{Name: "coder-1", Role: RoleCoder, Capabilities: []string{"go", "python"}}, mock.New())
	require.NoError(t, r.Register(a))

	got, ok := r.Get("coder-1")
	require.True(t, ok)
	assert.Equal(t, a, got)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryWithCapability(t *testing.T) {
	r := NewRegistry()
	a1 := New(Config{Name: "coder-1", Capabilities: []string{"go"}}, mock.New())
	a2 := New(Config{Name: "coder-2", Capabilities: []string{"python"}}, mock.New())
	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))

	matches := r.WithCapability("go")
	require.Len(t, matches, 1)
	assert.Equal(t, "coder-1", matches[0].Name())
}

func TestRegistryDuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New(Config{Name: "dup"}, mock.New())))
	assert.Error(t, r.Register(New(Config{Name: "dup"}, mock.New())))
}

func TestRolePresetsCoverEveryRole(t *testing.T) {
	seen := make(map[Role]bool)
	for _, p := range RolePresets {
		assert.NotEmpty(t, p.SystemPrompt, "preset %s has no system prompt", p.Role)
		seen[p.Role] = true
	}
	for _, role := range []Role{RoleOrchestrator, RolePlanner, RoleArchitect, RoleCoder, RoleReviewer, RoleSecurityAuditor, RoleWebResearcher} {
		assert.True(t, seen[role], "no preset for role %s", role)
	}
}

func TestRolePresetsRegisterCleanly(t *testing.T) {
	r := NewRegistry()
	for _, p := range RolePresets {
		a := New(Config{Name: string(p.Role), Role: p.Role, SystemPrompt: p.SystemPrompt, Capabilities: p.Capabilities}, mock.New())
		require.NoError(t, r.Register(a))
	}
	assert.Equal(t, len(RolePresets), r.Count())
	reviewers := r.WithCapability("review")
	assert.NotEmpty(t, reviewers)
}

func TestReviewProCapabilityIsDistinctFromReview(t *testing.T) {
	r := NewRegistry()
	for _, p := range RolePresets {
		a := New(Config{Name: string(p.Role), Role: p.Role, SystemPrompt: p.SystemPrompt, Capabilities: p.Capabilities}, mock.New())
		require.NoError(t, r.Register(a))
	}

	shadowTier := r.WithCapability("review")
	proTier := r.WithCapability("review_pro")
	require.Len(t, shadowTier, 1)
	assert.Equal(t, string(RoleReviewer), shadowTier[0].Name())

	var proRoles []string
	for _, a := range proTier {
		proRoles = append(proRoles, a.Name())
	}
	assert.ElementsMatch(t, []string{string(RoleArchitect), string(RoleSecurityAuditor)}, proRoles)
}
