package adapters

import (
	"context"
	"encoding/json"
	"sync"
)

// StaticContext returns a fixed context pack; the dev-mode provider.
type StaticContext struct {
	Pack any
}

// Collect implements ContextProvider.
func (s StaticContext) Collect(_ context.Context, q ContextQuery) (any, error) {
	if s.Pack != nil {
		return s.Pack, nil
	}
	return map[string]any{"nodes": []any{}, "query": q.UserMessage}, nil
}

// EchoPlanner produces a single-step plan invoking ActionID with the
// mission text as argument; the dev-mode planner.
type EchoPlanner struct {
	ActionID string
}

// BuildPlan implements Planner.
func (p EchoPlanner) BuildPlan(_ context.Context, in PlannerInput) (json.RawMessage, error) {
	action := p.ActionID
	if action == "" {
		action = "echo"
	}
	plan := map[string]any{
		"plan_id":  "plan-" + in.RunID,
		"controls": map[string]any{"requires_approval": false},
		"steps": []any{
			map[string]any{
				"step_id":   "s1",
				"action_id": action,
				"args":      map[string]any{"message": in.UserMessage},
			},
		},
	}
	return json.Marshal(plan)
}

// ScriptedTool replays a per-action script of outcomes and records every
// invocation. Test and dev double for real transports.
type ScriptedTool struct {
	mu      sync.Mutex
	scripts map[string][]Outcome
	calls   []InvokeRequest
}

// Outcome is one scripted invocation result.
type Outcome struct {
	Output any
	Err    error
}

// NewScriptedTool creates an empty script; unscripted actions echo their
// args back.
func NewScriptedTool() *ScriptedTool {
	return &ScriptedTool{scripts: make(map[string][]Outcome)}
}

// Script appends outcomes for an action; they are consumed in order, the
// last one repeating.
func (t *ScriptedTool) Script(actionID string, outcomes ...Outcome) *ScriptedTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[actionID] = append(t.scripts[actionID], outcomes...)
	return t
}

// Invoke implements Tool.
func (t *ScriptedTool) Invoke(_ context.Context, req InvokeRequest) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, req)

	script := t.scripts[req.ActionID]
	if len(script) == 0 {
		return map[string]any{"echo": req.Args, "action": req.ActionID}, nil
	}
	outcome := script[0]
	if len(script) > 1 {
		t.scripts[req.ActionID] = script[1:]
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Output, nil
}

// Calls returns a copy of the recorded invocations.
func (t *ScriptedTool) Calls() []InvokeRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]InvokeRequest(nil), t.calls...)
}

// CallCount returns how many times actionID was invoked.
func (t *ScriptedTool) CallCount(actionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.ActionID == actionID {
			n++
		}
	}
	return n
}

var (
	_ Planner         = EchoPlanner{}
	_ Tool            = (*ScriptedTool)(nil)
	_ ContextProvider = StaticContext{}
)
