package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
)

// Effect is what a matched rule contributes to the verdict.
type Effect struct {
	Deny            bool
	DenyReason      string
	RequireApproval bool
	SetCostUnits    *int64
	Obligations     []contracts.Obligation
}

// Rule is one policy of the effective registry.
type Rule struct {
	PolicyID string
	Phase    Phase
	Priority int
	When     Condition
	Effect   Effect
}

// ruleDoc is the registry wire shape of a rule.
type ruleDoc struct {
	PolicyID string         `json:"policy_id"`
	Phase    Phase          `json:"phase"`
	Priority int            `json:"priority"`
	When     map[string]any `json:"when"`
	Effect   effectDoc      `json:"effect"`
}

type effectDoc struct {
	Deny            bool            `json:"deny,omitempty"`
	DenyReason      string          `json:"deny_reason,omitempty"`
	RequireApproval bool            `json:"require_approval,omitempty"`
	SetCostUnits    *int64          `json:"set_cost_units,omitempty"`
	Obligations     []obligationDoc `json:"obligations,omitempty"`
}

type obligationDoc struct {
	Kind         contracts.ObligationKind `json:"kind"`
	ArtifactType contracts.ArtifactType   `json:"artifact_type,omitempty"`
	PolicyID     string                   `json:"policy_id,omitempty"`
}

// ParseRule decodes one policy document, failing closed on unknown phases,
// condition keywords, or obligation kinds.
func ParseRule(raw map[string]any) (Rule, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Rule{}, fmt.Errorf("policy: encode rule: %w", err)
	}
	var doc ruleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Rule{}, fmt.Errorf("policy: decode rule: %w", err)
	}
	if doc.PolicyID == "" {
		return Rule{}, fmt.Errorf("policy: rule is missing policy_id")
	}
	if doc.Phase != PhasePlan && doc.Phase != PhaseExec {
		return Rule{}, fmt.Errorf("policy: rule %s has unknown phase %q", doc.PolicyID, doc.Phase)
	}
	if doc.When == nil {
		return Rule{}, fmt.Errorf("policy: rule %s is missing when", doc.PolicyID)
	}
	when, err := ParseCondition(doc.When)
	if err != nil {
		return Rule{}, fmt.Errorf("policy: rule %s: %w", doc.PolicyID, err)
	}

	effect := Effect{
		Deny:            doc.Effect.Deny,
		DenyReason:      doc.Effect.DenyReason,
		RequireApproval: doc.Effect.RequireApproval,
		SetCostUnits:    doc.Effect.SetCostUnits,
	}
	for _, ob := range doc.Effect.Obligations {
		switch ob.Kind {
		case contracts.ObligationMustEmitArtifact:
			if !contracts.ValidArtifactType(ob.ArtifactType) {
				return Rule{}, fmt.Errorf("policy: rule %s: obligation with unknown artifact type %q", doc.PolicyID, ob.ArtifactType)
			}
			effect.Obligations = append(effect.Obligations, contracts.Obligation{Kind: ob.Kind, ArtifactType: ob.ArtifactType})
		case contracts.ObligationMustReferencePolicyID:
			if ob.PolicyID == "" {
				return Rule{}, fmt.Errorf("policy: rule %s: must_reference_policy_id obligation without policy_id", doc.PolicyID)
			}
			effect.Obligations = append(effect.Obligations, contracts.Obligation{Kind: ob.Kind, PolicyID: ob.PolicyID})
		default:
			return Rule{}, fmt.Errorf("policy: rule %s: unknown obligation kind %q", doc.PolicyID, ob.Kind)
		}
	}

	return Rule{PolicyID: doc.PolicyID, Phase: doc.Phase, Priority: doc.Priority, When: when, Effect: effect}, nil
}

// Evaluate runs every rule with a matching phase against the subject and
// combines the effects:
//
//   - deny is sticky: once set it cannot be overridden,
//   - require_approval is the OR across matched rules,
//   - set_cost_units takes the last matching value,
//   - obligations accumulate as a set,
//   - matched_policy_ids records every rule whose condition matched.
//
// Rules are visited in priority-descending order, ties broken by policy id
// so evaluation is deterministic.
func Evaluate(rules []Rule, rc RunContext, sub Subject) contracts.Verdict {
	selected := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Phase == sub.Phase {
			selected = append(selected, r)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Priority != selected[j].Priority {
			return selected[i].Priority > selected[j].Priority
		}
		return selected[i].PolicyID < selected[j].PolicyID
	})

	verdict := contracts.Verdict{Allow: true}
	seen := make(map[contracts.Obligation]struct{})
	for _, r := range selected {
		if !r.When.Matches(rc, sub) {
			continue
		}
		verdict.MatchedPolicyIDs = append(verdict.MatchedPolicyIDs, r.PolicyID)
		if r.Effect.Deny && verdict.Allow {
			verdict.Allow = false
			verdict.DenyReason = r.Effect.DenyReason
		}
		if r.Effect.RequireApproval {
			verdict.RequireApproval = true
		}
		if r.Effect.SetCostUnits != nil {
			v := *r.Effect.SetCostUnits
			verdict.EffectiveCostUnits = &v
		}
		for _, ob := range r.Effect.Obligations {
			if _, dup := seen[ob]; !dup {
				seen[ob] = struct{}{}
				verdict.Obligations = append(verdict.Obligations, ob)
			}
		}
	}
	return verdict
}
