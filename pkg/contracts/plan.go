package contracts

import (
	"fmt"
)

// PlanControls are plan-level execution controls set by the planner or
// injected by plan-phase policies.
type PlanControls struct {
	RequiresApproval bool `json:"requires_approval"`
}

// Step is one action invocation with bound arguments. CostUnits, when set,
// overrides the action's declared cost for budgeting.
type Step struct {
	StepID          string         `json:"step_id"`
	ActionID        string         `json:"action_id"`
	Args            map[string]any `json:"args,omitempty"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	CostUnits       *int64         `json:"cost_units,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
}

// Plan is a DAG of steps produced by the planner.
type Plan struct {
	PlanID   string       `json:"plan_id"`
	Controls PlanControls `json:"controls"`
	Steps    []Step       `json:"steps"`
}

// Validate checks structural invariants: step ids unique within the plan,
// every depends_on referencing a declared step, and the dependency graph
// acyclic.
func (p *Plan) Validate() error {
	if p.PlanID == "" {
		return fmt.Errorf("plan is missing plan_id")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s declares no steps", p.PlanID)
	}
	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.StepID == "" {
			return fmt.Errorf("plan %s: step %d is missing step_id", p.PlanID, i)
		}
		if s.ActionID == "" {
			return fmt.Errorf("plan %s: step %s is missing action_id", p.PlanID, s.StepID)
		}
		if _, dup := byID[s.StepID]; dup {
			return fmt.Errorf("plan %s: duplicate step_id %s", p.PlanID, s.StepID)
		}
		byID[s.StepID] = s
	}
	for i := range p.Steps {
		for _, dep := range p.Steps[i].DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("plan %s: step %s depends on undeclared step %s", p.PlanID, p.Steps[i].StepID, dep)
			}
		}
	}
	if _, err := p.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns step ids in a deterministic topological order, failing
// when the dependency graph contains a cycle. Ready steps are emitted in
// declaration order so the result is stable across calls.
func (p *Plan) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		indegree[s.StepID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.StepID]++
			dependents[dep] = append(dependents[dep], s.StepID)
		}
	}

	order := make([]string, 0, len(p.Steps))
	ready := make([]string, 0, len(p.Steps))
	for i := range p.Steps {
		if indegree[p.Steps[i].StepID] == 0 {
			ready = append(ready, p.Steps[i].StepID)
		}
	}
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(p.Steps) {
		return nil, fmt.Errorf("plan %s: dependency cycle detected", p.PlanID)
	}
	return order, nil
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].StepID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
