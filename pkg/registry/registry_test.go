package registry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Creativityliberty/Os-frame/pkg/policy"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseDoc() map[string]any {
	return map[string]any{
		"tools": []any{
			map[string]any{"tool_id": "crm", "transport": "http", "endpoint": "http://crm.local"},
		},
		"actions": []any{
			map[string]any{
				"action_id": "crm:create", "tool_id": "crm", "version": "1.2.0",
				"side_effect": true, "retry_class": "transient",
				"idempotency": map[string]any{"strategy": "hash", "fields": []any{"name"}},
				"cost_units":  2,
			},
			map[string]any{"action_id": "lookup", "tool_id": "crm"},
		},
		"policies": []any{
			map[string]any{
				"policy_id": "base-deny", "phase": "exec", "priority": 1,
				"when": map[string]any{"action": "send_email"}, "effect": map[string]any{"deny": true},
			},
		},
		"roles": map[string]any{
			"admin": []any{"registry:read", "registry:write"},
		},
		"limits": map[string]any{
			"budget":                 map[string]any{"tool_calls": 100, "cost_units": 50},
			"tenant_max_concurrency": 2,
		},
		"retry": map[string]any{
			"transient": map[string]any{"max_attempts": 5, "base_ms": 100, "max_ms": 2000, "jitter_ms": 50},
		},
	}
}

func TestDecodeDocumentLookups(t *testing.T) {
	doc, err := registry.DecodeDocument(baseDoc())
	require.NoError(t, err)

	a := doc.ActionByID("crm:create")
	require.NotNil(t, a)
	assert.True(t, a.SideEffect)
	assert.Equal(t, registry.IdemHash, a.Idempotency.Strategy)
	assert.Equal(t, int64(2), a.CostUnits)

	assert.Nil(t, doc.ActionByID("nope"))
	require.NotNil(t, doc.ToolByID("crm"))

	rc := doc.RetryClassFor(a)
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, registry.DefaultRetryClass, doc.RetryClassFor(doc.ActionByID("lookup")))

	assert.Len(t, doc.PoliciesForPhase(policy.PhaseExec), 1)
	assert.Empty(t, doc.PoliciesForPhase(policy.PhasePlan))

	caps := doc.RoleCaps([]string{"admin", "ghost"})
	assert.True(t, caps[registry.CapRegistryWrite])
	assert.Equal(t, int64(100), doc.BudgetLimit("tool_calls"))
}

func TestDecodeDocumentRejectsBadEntries(t *testing.T) {
	bad := baseDoc()
	bad["actions"] = []any{map[string]any{"action_id": "x", "version": "not-semver"}}
	_, err := registry.DecodeDocument(bad)
	assert.Error(t, err, "invalid semver")

	bad = baseDoc()
	bad["actions"] = []any{map[string]any{"action_id": "x", "retry_class": "missing"}}
	_, err = registry.DecodeDocument(bad)
	assert.Error(t, err, "undeclared retry class")

	bad = baseDoc()
	bad["actions"] = []any{map[string]any{"action_id": "x", "idempotency": map[string]any{"strategy": "guess"}}}
	_, err = registry.DecodeDocument(bad)
	assert.Error(t, err, "unknown idempotency strategy")

	bad = baseDoc()
	bad["policies"] = []any{map[string]any{"policy_id": "p", "phase": "exec", "when": map[string]any{"wat": 1}}}
	_, err = registry.DecodeDocument(bad)
	assert.Error(t, err, "unknown condition key fails closed")
}

func TestMergeReplacesByIDAndDeepMerges(t *testing.T) {
	layer := map[string]any{
		"actions": []any{
			map[string]any{"action_id": "crm:create", "cost_units": 9, "tool_id": "crm"},
			map[string]any{"action_id": "new-action", "tool_id": "crm"},
		},
		"limits": map[string]any{
			"budget": map[string]any{"cost_units": 10},
		},
	}
	merged := registry.Merge(baseDoc(), layer)
	doc, err := registry.DecodeDocument(merged)
	require.NoError(t, err)

	// Replaced entry wins wholesale (no per-field merge inside list entries).
	a := doc.ActionByID("crm:create")
	require.NotNil(t, a)
	assert.Equal(t, int64(9), a.CostUnits)
	assert.False(t, a.SideEffect)

	assert.NotNil(t, doc.ActionByID("new-action"))
	assert.NotNil(t, doc.ActionByID("lookup"), "untouched base entries survive")

	// Deep merge: later layer wins per key, siblings survive.
	assert.Equal(t, int64(10), doc.BudgetLimit("cost_units"))
	assert.Equal(t, int64(100), doc.BudgetLimit("tool_calls"))
	assert.Equal(t, 2, doc.Limits.TenantMaxConcurrency)
}

func TestLoaderEffectiveOrder(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte(`
actions:
  - action_id: lookup
    cost_units: 1
limits:
  budget:
    tool_calls: 10
`), 0o600))

	layers := filepath.Join(dir, "layers")
	require.NoError(t, os.MkdirAll(layers, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(layers, "org.acme.yaml"), []byte(`
limits:
  budget:
    tool_calls: 20
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(layers, "tenant.t1.yaml"), []byte(`
limits:
  budget:
    tool_calls: 30
`), 0o600))

	l, err := registry.NewLoader(base, layers)
	require.NoError(t, err)

	doc, err := l.Effective("acme", "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), doc.BudgetLimit("tool_calls"), "tenant layer wins over org")

	doc, err = l.Effective("acme", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), doc.BudgetLimit("tool_calls"))

	doc, err = l.Effective("", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(10), doc.BudgetLimit("tool_calls"))
}

func TestLoaderReplaceValidates(t *testing.T) {
	l, err := registry.NewLoaderFromDocument(baseDoc())
	require.NoError(t, err)

	bad := map[string]any{"actions": []any{map[string]any{"action_id": ""}}}
	assert.Error(t, l.Replace(bad))

	good := map[string]any{"actions": []any{map[string]any{"action_id": "ok"}}}
	require.NoError(t, l.Replace(good))
	doc, err := l.Effective("", "", "")
	require.NoError(t, err)
	assert.NotNil(t, doc.ActionByID("ok"))
}
