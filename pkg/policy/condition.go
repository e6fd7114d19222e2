// Package policy evaluates the data-driven rule DSL against plan and
// execution subjects. Rules arrive as JSON/YAML documents inside the
// registry; conditions parse into a closed set of variants and fail closed
// on anything unknown.
package policy

import (
	"fmt"
	"strings"
)

// Phase selects when a rule applies.
type Phase string

const (
	PhasePlan Phase = "plan"
	PhaseExec Phase = "exec"
)

// Subject is what a rule is evaluated against.
type Subject struct {
	Phase    Phase
	ActionID string
	ToolID   string
	StepID   string
}

// RunContext carries the identity of the run being gated.
type RunContext struct {
	TenantID string
	OrgID    string
	UserID   string
	Roles    []string
}

// Condition is one node of the (tree-shaped) rule condition.
type Condition interface {
	Matches(rc RunContext, sub Subject) bool
}

type actionCond struct{ glob string }

func (c actionCond) Matches(_ RunContext, sub Subject) bool {
	return sub.ActionID != "" && Glob(c.glob, sub.ActionID)
}

type toolCond struct{ glob string }

func (c toolCond) Matches(_ RunContext, sub Subject) bool {
	return sub.ToolID != "" && Glob(c.glob, sub.ToolID)
}

type rolesAnyCond struct{ roles []string }

func (c rolesAnyCond) Matches(rc RunContext, _ Subject) bool {
	for _, want := range c.roles {
		for _, have := range rc.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

type rolesAllCond struct{ roles []string }

func (c rolesAllCond) Matches(rc RunContext, _ Subject) bool {
	for _, want := range c.roles {
		found := false
		for _, have := range rc.Roles {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type allCond struct{ children []Condition }

func (c allCond) Matches(rc RunContext, sub Subject) bool {
	for _, child := range c.children {
		if !child.Matches(rc, sub) {
			return false
		}
	}
	return true
}

type anyCond struct{ children []Condition }

func (c anyCond) Matches(rc RunContext, sub Subject) bool {
	for _, child := range c.children {
		if child.Matches(rc, sub) {
			return true
		}
	}
	return false
}

type notCond struct{ child Condition }

func (c notCond) Matches(rc RunContext, sub Subject) bool {
	return !c.child.Matches(rc, sub)
}

// ParseCondition decodes one condition object. Exactly one known keyword
// must be present; unknown keys reject the whole condition so malformed
// rules never silently match.
func ParseCondition(raw map[string]any) (Condition, error) {
	if len(raw) != 1 {
		return nil, fmt.Errorf("policy: condition must have exactly one key, got %d", len(raw))
	}
	for key, val := range raw {
		switch key {
		case "action":
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("policy: action glob must be a string")
			}
			return actionCond{glob: s}, nil
		case "tool":
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("policy: tool glob must be a string")
			}
			return toolCond{glob: s}, nil
		case "roles_any", "roles_all":
			roles, err := stringSlice(val)
			if err != nil {
				return nil, fmt.Errorf("policy: %s: %w", key, err)
			}
			if key == "roles_any" {
				return rolesAnyCond{roles: roles}, nil
			}
			return rolesAllCond{roles: roles}, nil
		case "all", "any":
			children, err := conditionSlice(val)
			if err != nil {
				return nil, fmt.Errorf("policy: %s: %w", key, err)
			}
			if key == "all" {
				return allCond{children: children}, nil
			}
			return anyCond{children: children}, nil
		case "not":
			m, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("policy: not requires a condition object")
			}
			child, err := ParseCondition(m)
			if err != nil {
				return nil, err
			}
			return notCond{child: child}, nil
		default:
			return nil, fmt.Errorf("policy: unknown condition key %q", key)
		}
	}
	return nil, fmt.Errorf("policy: empty condition")
}

func stringSlice(val any) ([]string, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a list of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func conditionSlice(val any) ([]Condition, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list of conditions")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("expected at least one condition")
	}
	out := make([]Condition, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("condition element must be an object")
		}
		c, err := ParseCondition(m)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Glob matches pattern against s where `*` matches any run of
// non-separator characters and `:` is significant. No other metacharacters
// exist.
func Glob(pattern, s string) bool {
	return globMatch(pattern, s)
}

func globMatch(pattern, s string) bool {
	for {
		star := strings.IndexByte(pattern, '*')
		if star < 0 {
			return pattern == s
		}
		if !strings.HasPrefix(s, pattern[:star]) {
			return false
		}
		s = s[star:]
		rest := pattern[star+1:]
		// `*` consumes zero or more non-`:` characters; try every stop point.
		for i := 0; ; i++ {
			if globMatch(rest, s[i:]) {
				return true
			}
			if i >= len(s) || s[i] == ':' {
				return false
			}
		}
	}
}
