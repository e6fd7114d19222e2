package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/adapters"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/executor"
	"github.com/Creativityliberty/Os-frame/pkg/hashchain"
	"github.com/Creativityliberty/Os-frame/pkg/policy"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
	"github.com/Creativityliberty/Os-frame/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	mu       sync.Mutex
	payloads []contracts.EventPayload
}

func (e *emitted) emit(_ context.Context, p contracts.EventPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads = append(e.payloads, p)
	return nil
}

func (e *emitted) stepResults() []*contracts.StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*contracts.StepResult
	for _, p := range e.payloads {
		if a, ok := p.(contracts.ArtifactUpdate); ok && a.ArtifactType == contracts.ArtifactStepResult {
			out = append(out, a.Artifact.(*contracts.StepResult))
		}
	}
	return out
}

func testDoc(t *testing.T, extra map[string]any) *registry.Document {
	t.Helper()
	raw := map[string]any{
		"actions": []any{
			map[string]any{
				"action_id": "send_email", "tool_id": "mailer", "side_effect": true,
				"retry_class": "transient",
				"idempotency": map[string]any{"strategy": "hash"},
				"cost_units":  1,
			},
			map[string]any{"action_id": "lookup", "tool_id": "crm"},
			map[string]any{
				"action_id": "pay", "tool_id": "billing", "side_effect": true,
				"idempotency": map[string]any{"strategy": "explicit_key"},
			},
		},
		"retry": map[string]any{
			"transient": map[string]any{"max_attempts": 3, "base_ms": 1, "max_ms": 2, "jitter_ms": 0},
		},
		"limits": map[string]any{
			"budget": map[string]any{"tool_calls": 100, "cost_units": 100},
		},
	}
	for k, v := range extra {
		raw[k] = v
	}
	doc, err := registry.DecodeDocument(raw)
	require.NoError(t, err)
	return doc
}

type harness struct {
	store *store.Memory
	tool  *adapters.ScriptedTool
	exec  *executor.Executor
	run   *contracts.Run
	sink  *emitted
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := hashchain.FromSecret("exec-test")
	require.NoError(t, err)
	st := store.NewMemory(hashchain.New(reg))
	tool := adapters.NewScriptedTool()
	exec := executor.New(st, tool, 2, nil).
		WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	run := &contracts.Run{
		RunID: "r1", TaskID: "t1", TenantID: "tenant-a",
		State: contracts.RunStateWorking, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return &harness{store: st, tool: tool, exec: exec, run: run, sink: &emitted{}}
}

func (h *harness) input(doc *registry.Document, plan *contracts.Plan) executor.Input {
	return executor.Input{
		Run:    h.run,
		Doc:    doc,
		Plan:   plan,
		RunCtx: policy.RunContext{TenantID: h.run.TenantID, Roles: []string{"operator"}},
		Emit:   h.sink.emit,
	}
}

func singleStepPlan(action string, args map[string]any) *contracts.Plan {
	return &contracts.Plan{
		PlanID: "p1",
		Steps:  []contracts.Step{{StepID: "s1", ActionID: action, Args: args}},
	}
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, nil)
	h.tool.Script("send_email",
		adapters.Outcome{Err: contracts.Faultf(contracts.ErrTransientNetwork, "flaky")},
		adapters.Outcome{Err: contracts.Faultf(contracts.ErrTransientNetwork, "flaky again")},
		adapters.Outcome{Output: map[string]any{"sent": true}},
	)

	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("send_email", map[string]any{"to": "a@b.c"})))
	require.NoError(t, err)

	r := results["s1"]
	require.NotNil(t, r)
	assert.Equal(t, contracts.StepSucceeded, r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 3, h.tool.CallCount("send_email"))
	assert.NotEmpty(t, r.IdempotencyKey)

	_, hit, err := h.store.StepCacheGet(context.Background(), r.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, hit, "cache populated once after success")
}

func TestNonRetryableFailsFast(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, nil)
	h.tool.Script("send_email", adapters.Outcome{Err: contracts.Faultf(contracts.ErrAuth, "bad credentials")})

	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("send_email", map[string]any{"to": "a@b.c"})))
	require.Error(t, err)
	assert.Equal(t, contracts.ErrAuth, contracts.AsFault(err).Kind)
	assert.Equal(t, 1, results["s1"].Attempts)
	assert.Equal(t, 1, h.tool.CallCount("send_email"))
}

func TestIdempotencyCacheHitSkipsInvocation(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, nil)
	args := map[string]any{"to": "a@b.c", "body": "hi"}

	_, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("send_email", args)))
	require.NoError(t, err)
	require.Equal(t, 1, h.tool.CallCount("send_email"))

	// Same action and args in the same tenant dedupes, even from another run.
	run2 := &contracts.Run{RunID: "r2", TaskID: "t2", TenantID: h.run.TenantID, State: contracts.RunStateWorking, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, h.store.CreateRun(context.Background(), run2))
	in := h.input(doc, singleStepPlan("send_email", args))
	in.Run = run2

	results, err := h.exec.ExecutePlan(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, contracts.StepSucceeded, results["s1"].Status)
	assert.Equal(t, 1, h.tool.CallCount("send_email"), "second execution served from cache")
}

func TestPolicyDenyFailsStep(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, map[string]any{
		"policies": []any{map[string]any{
			"policy_id": "no-email", "phase": "exec", "priority": 1,
			"when":   map[string]any{"action": "send_email"},
			"effect": map[string]any{"deny": true, "deny_reason": "blocked"},
		}},
	})

	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("send_email", map[string]any{"to": "x"})))
	require.Error(t, err)
	fault := contracts.AsFault(err)
	assert.Equal(t, contracts.ErrPolicyDenied, fault.Kind)
	assert.Contains(t, fault.Message, "blocked")
	assert.Equal(t, []string{"no-email"}, results["s1"].PolicyIDs)
	assert.Zero(t, h.tool.CallCount("send_email"), "denied before invocation")
}

func TestSchemaInMismatchIsInvalidInput(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, map[string]any{
		"actions": []any{map[string]any{
			"action_id": "lookup", "tool_id": "crm",
			"schema_in": map[string]any{
				"type":     "object",
				"required": []any{"customer_id"},
			},
		}},
	})

	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("lookup", map[string]any{"wrong": 1})))
	require.Error(t, err)
	assert.Equal(t, contracts.ErrInvalidInput, contracts.AsFault(err).Kind)
	assert.Zero(t, results["s1"].Attempts, "no retry on invalid input")
	assert.Zero(t, h.tool.CallCount("lookup"))
}

func TestExplicitKeyMissingIsIdempotencyFault(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, nil)

	_, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("pay", map[string]any{"amount": 5})))
	require.Error(t, err)
	assert.Equal(t, contracts.ErrIdempotency, contracts.AsFault(err).Kind)
	assert.Zero(t, h.tool.CallCount("pay"))
}

func TestBudgetExceededDoesNotInvoke(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, map[string]any{
		"limits": map[string]any{"budget": map[string]any{"tool_calls": 1}},
	})
	plan := &contracts.Plan{
		PlanID: "p1",
		Steps: []contracts.Step{
			{StepID: "s1", ActionID: "lookup"},
			{StepID: "s2", ActionID: "lookup", DependsOn: []string{"s1"}},
		},
	}

	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, plan))
	require.Error(t, err)
	assert.Equal(t, contracts.ErrBudgetExceeded, contracts.AsFault(err).Kind)
	assert.Equal(t, contracts.StepSucceeded, results["s1"].Status)
	assert.Equal(t, contracts.StepFailed, results["s2"].Status)
	assert.Equal(t, 1, h.tool.CallCount("lookup"))

	run, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.BudgetUsed[contracts.MetricToolCalls], "rejected debit leaves counter untouched")
}

func TestBindingTraversesPriorOutputs(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, nil)
	h.tool.Script("lookup", adapters.Outcome{Output: map[string]any{"customer": map[string]any{"email": "c@d.e"}}})

	plan := &contracts.Plan{
		PlanID: "p1",
		Steps: []contracts.Step{
			{StepID: "s1", ActionID: "lookup", Args: map[string]any{"q": "acme"}},
			{StepID: "s2", ActionID: "send_email", DependsOn: []string{"s1"},
				Args: map[string]any{"to": "${steps.s1.output.customer.email}"}},
		},
	}
	_, err := h.exec.ExecutePlan(context.Background(), h.input(doc, plan))
	require.NoError(t, err)

	calls := h.tool.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "c@d.e", calls[1].Args["to"])
}

func TestContinueOnErrorKeepsRunAlive(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, nil)
	h.tool.Script("pay", adapters.Outcome{Err: contracts.Faultf(contracts.ErrAuth, "nope")})

	plan := &contracts.Plan{
		PlanID: "p1",
		Steps: []contracts.Step{
			{StepID: "bad", ActionID: "pay", ContinueOnError: true,
				Args: map[string]any{"idempotency_key": "k-1"}},
			{StepID: "dependent", ActionID: "lookup", DependsOn: []string{"bad"}},
			{StepID: "independent", ActionID: "lookup"},
		},
	}

	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, plan))
	require.NoError(t, err, "continue_on_error absorbs the failure")
	assert.Equal(t, contracts.StepFailed, results["bad"].Status)
	assert.Equal(t, contracts.StepSkipped, results["dependent"].Status, "dependents of a failed step are skipped")
	assert.Equal(t, contracts.StepSucceeded, results["independent"].Status)

	assert.Len(t, h.sink.stepResults(), 3, "every step outcome is emitted")
}

func TestMustReferencePolicyObligation(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, map[string]any{
		"policies": []any{
			map[string]any{
				"policy_id": "email-watch", "phase": "exec", "priority": 5,
				"when": map[string]any{"action": "send_email"},
				"effect": map[string]any{"obligations": []any{
					map[string]any{"kind": "must_reference_policy_id", "policy_id": "email-watch"},
				}},
			},
		},
	})

	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("send_email", map[string]any{"to": "x"})))
	require.NoError(t, err, "matched rule id satisfies its own obligation")
	assert.Contains(t, results["s1"].PolicyIDs, "email-watch")

	// An obligation referencing a rule that did not match fails the step.
	h2 := newHarness(t)
	doc2 := testDoc(t, map[string]any{
		"policies": []any{
			map[string]any{
				"policy_id": "watcher", "phase": "exec", "priority": 5,
				"when": map[string]any{"action": "send_email"},
				"effect": map[string]any{"obligations": []any{
					map[string]any{"kind": "must_reference_policy_id", "policy_id": "unrelated"},
				}},
			},
		},
	})
	_, err = h2.exec.ExecutePlan(context.Background(), h2.input(doc2, singleStepPlan("send_email", map[string]any{"to": "x"})))
	require.Error(t, err)
	assert.Equal(t, contracts.ErrPolicyDenied, contracts.AsFault(err).Kind)
}

func TestStaleCacheEntryRevalidatedAgainstSchemaOut(t *testing.T) {
	h := newHarness(t)
	doc := testDoc(t, map[string]any{
		"actions": []any{map[string]any{
			"action_id": "send_email", "tool_id": "mailer", "side_effect": true,
			"idempotency": map[string]any{"strategy": "hash"},
			"schema_out": map[string]any{
				"type":     "object",
				"required": []any{"sent"},
			},
		}},
	})
	h.tool.Script("send_email", adapters.Outcome{Output: map[string]any{"sent": true}})

	args := map[string]any{"to": "x"}
	results, err := h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("send_email", args)))
	require.NoError(t, err)
	key := results["s1"].IdempotencyKey

	// Poison the cache with an output the current schema_out rejects.
	require.NoError(t, h.store.StepCachePut(context.Background(), key, store.CachedStep{ActionID: "send_email", Output: map[string]any{"stale": true}}))
	h.tool.Script("send_email", adapters.Outcome{Output: map[string]any{"sent": true}})

	_, err = h.exec.ExecutePlan(context.Background(), h.input(doc, singleStepPlan("send_email", args)))
	require.NoError(t, err)
	assert.Equal(t, 2, h.tool.CallCount("send_email"), "stale entry treated as a miss")

	entry, hit, err := h.store.StepCacheGet(context.Background(), key)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, map[string]any{"sent": true}, entry.Output, "fresh output overwrites the stale entry")
}
