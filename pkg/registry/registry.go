// Package registry loads and merges the layered tool/action/policy/role
// documents into an effective registry for an (org, tenant, user) triple.
// Snapshots are immutable; reloads and writes replace the snapshot
// atomically.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/Creativityliberty/Os-frame/pkg/policy"
)

// Capabilities gated at the interface layer.
const (
	CapRegistryRead  = "registry:read"
	CapRegistryWrite = "registry:write"
)

// Tool is a registry-declared external capability.
type Tool struct {
	ToolID      string `json:"tool_id"`
	Transport   string `json:"transport,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Description string `json:"description,omitempty"`
}

// IdempotencyStrategy selects how a side-effect action's dedup key derives.
type IdempotencyStrategy string

const (
	IdemHash        IdempotencyStrategy = "hash"
	IdemExplicitKey IdempotencyStrategy = "explicit_key"
)

// Idempotency configures side-effect deduplication for an action.
type Idempotency struct {
	Strategy IdempotencyStrategy `json:"strategy,omitempty"`
	Fields   []string            `json:"fields,omitempty"`
}

// Security declares who may invoke an action.
type Security struct {
	AllowedRoles     []string `json:"allowed_roles,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
}

// Action is the registry contract for one tool operation.
type Action struct {
	ActionID    string          `json:"action_id"`
	ToolID      string          `json:"tool_id,omitempty"`
	Version     string          `json:"version,omitempty"`
	SchemaIn    json.RawMessage `json:"schema_in,omitempty"`
	SchemaOut   json.RawMessage `json:"schema_out,omitempty"`
	SideEffect  bool            `json:"side_effect,omitempty"`
	RetryClass  string          `json:"retry_class,omitempty"`
	Idempotency Idempotency     `json:"idempotency,omitempty"`
	Security    Security        `json:"security,omitempty"`
	CostUnits   int64           `json:"cost_units,omitempty"`
	TimeoutS    int             `json:"timeout_s,omitempty"`
}

// RetryClass bounds the executor's retry loop for actions referencing it.
type RetryClass struct {
	MaxAttempts int   `json:"max_attempts"`
	BaseMs      int64 `json:"base_ms"`
	MaxMs       int64 `json:"max_ms"`
	JitterMs    int64 `json:"jitter_ms"`
}

// Limits are the tenant guardrails of the effective registry.
type Limits struct {
	Budget               map[string]int64 `json:"budget,omitempty"`
	RPM                  map[string]int   `json:"rpm,omitempty"`
	TenantMaxConcurrency int              `json:"tenant_max_concurrency,omitempty"`
}

// Document is an immutable effective registry snapshot.
type Document struct {
	Tools    []Tool
	Actions  []Action
	Policies []policy.Rule
	Roles    map[string][]string
	Limits   Limits
	Retry    map[string]RetryClass

	actionIdx map[string]*Action
	toolIdx   map[string]*Tool
}

// documentWire is the merged-map decode target; policies stay raw until the
// policy package has validated them.
type documentWire struct {
	Tools    []Tool                `json:"tools,omitempty"`
	Actions  []Action              `json:"actions,omitempty"`
	Policies []map[string]any      `json:"policies,omitempty"`
	Roles    map[string][]string   `json:"roles,omitempty"`
	Limits   Limits                `json:"limits,omitempty"`
	Retry    map[string]RetryClass `json:"retry,omitempty"`
}

// DefaultRetryClass bounds actions that do not name a retry class.
var DefaultRetryClass = RetryClass{MaxAttempts: 3, BaseMs: 250, MaxMs: 10_000, JitterMs: 100}

// DecodeDocument turns a merged raw document into a validated snapshot.
func DecodeDocument(raw map[string]any) (*Document, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("registry: encode document: %w", err)
	}
	var wire documentWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("registry: decode document: %w", err)
	}

	doc := &Document{
		Tools:     wire.Tools,
		Actions:   wire.Actions,
		Roles:     wire.Roles,
		Limits:    wire.Limits,
		Retry:     wire.Retry,
		actionIdx: make(map[string]*Action, len(wire.Actions)),
		toolIdx:   make(map[string]*Tool, len(wire.Tools)),
	}
	for _, rawRule := range wire.Policies {
		rule, err := policy.ParseRule(rawRule)
		if err != nil {
			return nil, err
		}
		doc.Policies = append(doc.Policies, rule)
	}
	for i := range doc.Tools {
		t := &doc.Tools[i]
		if t.ToolID == "" {
			return nil, fmt.Errorf("registry: tool with empty tool_id")
		}
		doc.toolIdx[t.ToolID] = t
	}
	for i := range doc.Actions {
		a := &doc.Actions[i]
		if err := validateAction(a); err != nil {
			return nil, err
		}
		if a.RetryClass != "" && doc.Retry != nil {
			if _, ok := doc.Retry[a.RetryClass]; !ok {
				return nil, fmt.Errorf("registry: action %s names undeclared retry class %q", a.ActionID, a.RetryClass)
			}
		}
		doc.actionIdx[a.ActionID] = a
	}
	return doc, nil
}

func validateAction(a *Action) error {
	if a.ActionID == "" {
		return fmt.Errorf("registry: action with empty action_id")
	}
	if a.Version != "" {
		if _, err := semver.NewVersion(a.Version); err != nil {
			return fmt.Errorf("registry: action %s has invalid version %q: %w", a.ActionID, a.Version, err)
		}
	}
	switch a.Idempotency.Strategy {
	case "", IdemHash, IdemExplicitKey:
	default:
		return fmt.Errorf("registry: action %s has unknown idempotency strategy %q", a.ActionID, a.Idempotency.Strategy)
	}
	return nil
}

// ActionByID looks up an action, or nil.
func (d *Document) ActionByID(id string) *Action { return d.actionIdx[id] }

// ToolByID looks up a tool, or nil.
func (d *Document) ToolByID(id string) *Tool { return d.toolIdx[id] }

// PoliciesForPhase returns the rules applying to the given phase.
func (d *Document) PoliciesForPhase(phase policy.Phase) []policy.Rule {
	out := make([]policy.Rule, 0, len(d.Policies))
	for _, r := range d.Policies {
		if r.Phase == phase {
			out = append(out, r)
		}
	}
	return out
}

// RoleCaps resolves the union of capabilities granted by the given roles.
func (d *Document) RoleCaps(roles []string) map[string]bool {
	caps := make(map[string]bool)
	for _, role := range roles {
		for _, capability := range d.Roles[role] {
			caps[capability] = true
		}
	}
	return caps
}

// RetryClassFor resolves an action's retry bounds, falling back to the
// default class.
func (d *Document) RetryClassFor(a *Action) RetryClass {
	if a != nil && a.RetryClass != "" {
		if rc, ok := d.Retry[a.RetryClass]; ok {
			return rc
		}
	}
	return DefaultRetryClass
}

// BudgetLimit returns the tenant limit for a metric; 0 means unlimited.
func (d *Document) BudgetLimit(metric string) int64 {
	return d.Limits.Budget[metric]
}
