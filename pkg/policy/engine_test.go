package policy_test

import (
	"testing"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRule(t *testing.T, raw map[string]any) policy.Rule {
	t.Helper()
	r, err := policy.ParseRule(raw)
	require.NoError(t, err)
	return r
}

func TestGlob(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"send_email", "send_email", true},
		{"send_*", "send_email", true},
		{"send_*", "send", false},
		{"*", "anything", true},
		{"*", "with:colon", false},
		{"crm:*", "crm:create", true},
		{"crm:*", "crm:sub:create", false},
		{"crm:*:create", "crm:sub:create", true},
		{"*:create", "crm:create", true},
		{"crm*", "billing", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, policy.Glob(c.pattern, c.s), "Glob(%q, %q)", c.pattern, c.s)
	}
}

func TestParseConditionFailsClosed(t *testing.T) {
	_, err := policy.ParseCondition(map[string]any{"actino": "typo"})
	assert.Error(t, err, "unknown key")

	_, err = policy.ParseCondition(map[string]any{"action": "a", "tool": "b"})
	assert.Error(t, err, "two keys")

	_, err = policy.ParseCondition(map[string]any{"all": []any{}})
	assert.Error(t, err, "empty composition")

	_, err = policy.ParseCondition(map[string]any{"not": map[string]any{"unknown_key": 1}})
	assert.Error(t, err, "nested unknown key")
}

func TestParseRuleRejectsUnknownObligation(t *testing.T) {
	_, err := policy.ParseRule(map[string]any{
		"policy_id": "p1",
		"phase":     "exec",
		"when":      map[string]any{"action": "*"},
		"effect": map[string]any{
			"obligations": []any{map[string]any{"kind": "must_dance"}},
		},
	})
	assert.Error(t, err)
}

func TestDenyIsSticky(t *testing.T) {
	rules := []policy.Rule{
		mustRule(t, map[string]any{
			"policy_id": "deny-email", "phase": "exec", "priority": 10,
			"when":   map[string]any{"action": "send_email"},
			"effect": map[string]any{"deny": true, "deny_reason": "blocked"},
		}),
		mustRule(t, map[string]any{
			"policy_id": "allow-all", "phase": "exec", "priority": 1,
			"when":   map[string]any{"action": "*"},
			"effect": map[string]any{},
		}),
	}
	v := policy.Evaluate(rules, policy.RunContext{}, policy.Subject{Phase: policy.PhaseExec, ActionID: "send_email"})
	assert.False(t, v.Allow)
	assert.Equal(t, "blocked", v.DenyReason)
	assert.Equal(t, []string{"deny-email", "allow-all"}, v.MatchedPolicyIDs)
}

func TestFirstDenyReasonWins(t *testing.T) {
	rules := []policy.Rule{
		mustRule(t, map[string]any{
			"policy_id": "low", "phase": "exec", "priority": 1,
			"when":   map[string]any{"action": "*"},
			"effect": map[string]any{"deny": true, "deny_reason": "second"},
		}),
		mustRule(t, map[string]any{
			"policy_id": "high", "phase": "exec", "priority": 9,
			"when":   map[string]any{"action": "*"},
			"effect": map[string]any{"deny": true, "deny_reason": "first"},
		}),
	}
	v := policy.Evaluate(rules, policy.RunContext{}, policy.Subject{Phase: policy.PhaseExec, ActionID: "x"})
	assert.Equal(t, "first", v.DenyReason)
}

func TestRequireApprovalORsAndCostTakesLast(t *testing.T) {
	rules := []policy.Rule{
		mustRule(t, map[string]any{
			"policy_id": "a", "phase": "plan", "priority": 5,
			"when":   map[string]any{"action": "*"},
			"effect": map[string]any{"require_approval": true, "set_cost_units": 10},
		}),
		mustRule(t, map[string]any{
			"policy_id": "b", "phase": "plan", "priority": 1,
			"when":   map[string]any{"action": "*"},
			"effect": map[string]any{"set_cost_units": 3},
		}),
	}
	v := policy.Evaluate(rules, policy.RunContext{}, policy.Subject{Phase: policy.PhasePlan, ActionID: "x"})
	assert.True(t, v.Allow)
	assert.True(t, v.RequireApproval)
	require.NotNil(t, v.EffectiveCostUnits)
	assert.Equal(t, int64(3), *v.EffectiveCostUnits)
}

func TestObligationsAccumulateAsSet(t *testing.T) {
	ob := []any{map[string]any{"kind": "must_emit_artifact", "artifact_type": "final"}}
	rules := []policy.Rule{
		mustRule(t, map[string]any{
			"policy_id": "a", "phase": "plan", "priority": 2,
			"when": map[string]any{"action": "*"}, "effect": map[string]any{"obligations": ob},
		}),
		mustRule(t, map[string]any{
			"policy_id": "b", "phase": "plan", "priority": 1,
			"when": map[string]any{"action": "*"}, "effect": map[string]any{"obligations": ob},
		}),
	}
	v := policy.Evaluate(rules, policy.RunContext{}, policy.Subject{Phase: policy.PhasePlan, ActionID: "x"})
	require.Len(t, v.Obligations, 1)
	assert.Equal(t, contracts.ObligationMustEmitArtifact, v.Obligations[0].Kind)
	assert.Equal(t, contracts.ArtifactFinal, v.Obligations[0].ArtifactType)
}

func TestPhaseFilterAndRoles(t *testing.T) {
	rules := []policy.Rule{
		mustRule(t, map[string]any{
			"policy_id": "exec-only", "phase": "exec", "priority": 1,
			"when":   map[string]any{"roles_any": []any{"admin", "operator"}},
			"effect": map[string]any{"deny": true},
		}),
		mustRule(t, map[string]any{
			"policy_id": "needs-both", "phase": "plan", "priority": 1,
			"when":   map[string]any{"roles_all": []any{"admin", "auditor"}},
			"effect": map[string]any{"require_approval": true},
		}),
	}

	v := policy.Evaluate(rules, policy.RunContext{Roles: []string{"operator"}}, policy.Subject{Phase: policy.PhasePlan})
	assert.True(t, v.Allow, "exec rule must not fire in plan phase")
	assert.False(t, v.RequireApproval)

	v = policy.Evaluate(rules, policy.RunContext{Roles: []string{"admin", "auditor"}}, policy.Subject{Phase: policy.PhasePlan})
	assert.True(t, v.RequireApproval)
}

func TestComposition(t *testing.T) {
	rule := mustRule(t, map[string]any{
		"policy_id": "composed", "phase": "exec", "priority": 1,
		"when": map[string]any{"all": []any{
			map[string]any{"action": "crm:*"},
			map[string]any{"not": map[string]any{"roles_any": []any{"admin"}}},
		}},
		"effect": map[string]any{"deny": true, "deny_reason": "non-admin crm"},
	})

	v := policy.Evaluate([]policy.Rule{rule}, policy.RunContext{Roles: []string{"user"}},
		policy.Subject{Phase: policy.PhaseExec, ActionID: "crm:delete"})
	assert.False(t, v.Allow)

	v = policy.Evaluate([]policy.Rule{rule}, policy.RunContext{Roles: []string{"admin"}},
		policy.Subject{Phase: policy.PhaseExec, ActionID: "crm:delete"})
	assert.True(t, v.Allow)
}
