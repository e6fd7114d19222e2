// Package adapters declares the narrow interfaces the kernel calls out
// through: the planner, the tool invoker and the context provider. The
// kernel never introspects an adapter beyond these contracts; concrete
// transports live outside the kernel.
package adapters

import (
	"context"
	"encoding/json"
)

// PlannerInput is everything a planner may use to produce a plan.
type PlannerInput struct {
	RunID       string `json:"run_id"`
	TaskID      string `json:"task_id"`
	TenantID    string `json:"tenant_id"`
	UserMessage string `json:"user_message"`
	ContextPack any    `json:"context_pack,omitempty"`
}

// Planner produces plan JSON for a mission. The kernel validates the
// document; the planner is trusted for nothing.
type Planner interface {
	BuildPlan(ctx context.Context, in PlannerInput) (json.RawMessage, error)
}

// InvokeRequest is one tool invocation.
type InvokeRequest struct {
	RunID    string
	TenantID string
	ToolID   string
	ActionID string
	Args     map[string]any
}

// Tool invokes an action against its backing capability. Errors should be
// (or wrap) contracts.Fault values so the executor can classify them.
type Tool interface {
	Invoke(ctx context.Context, req InvokeRequest) (any, error)
}

// ContextQuery asks the context provider for the world nodes relevant to a
// mission.
type ContextQuery struct {
	RunID       string
	TenantID    string
	UserMessage string
}

// ContextProvider assembles the context pack artifact.
type ContextProvider interface {
	Collect(ctx context.Context, q ContextQuery) (any, error)
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, in PlannerInput) (json.RawMessage, error)

// BuildPlan implements Planner.
func (f PlannerFunc) BuildPlan(ctx context.Context, in PlannerInput) (json.RawMessage, error) {
	return f(ctx, in)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, req InvokeRequest) (any, error)

// Invoke implements Tool.
func (f ToolFunc) Invoke(ctx context.Context, req InvokeRequest) (any, error) {
	return f(ctx, req)
}

// ContextFunc adapts a function to ContextProvider.
type ContextFunc func(ctx context.Context, q ContextQuery) (any, error)

// Collect implements ContextProvider.
func (f ContextFunc) Collect(ctx context.Context, q ContextQuery) (any, error) {
	return f(ctx, q)
}
