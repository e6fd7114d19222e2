package executor

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/Creativityliberty/Os-frame/pkg/canonicalize"
	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/registry"
)

// refPrefix marks argument strings that bind to a prior step's output,
// e.g. "${steps.s1.output}" or "${steps.s1.output.customer.id}".
const (
	refPrefix = "${steps."
	refSuffix = "}"
)

// bindArgs resolves output references in the step's arguments against
// prior results. The input map is not mutated.
func bindArgs(args map[string]any, prior map[string]*contracts.StepResult) (map[string]any, *contracts.Fault) {
	if args == nil {
		return map[string]any{}, nil
	}
	bound, fault := bindValue(args, prior)
	if fault != nil {
		return nil, fault
	}
	return bound.(map[string]any), nil
}

func bindValue(v any, prior map[string]*contracts.StepResult) (any, *contracts.Fault) {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, refPrefix) && strings.HasSuffix(t, refSuffix) {
			return resolveRef(t, prior)
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			bound, fault := bindValue(val, prior)
			if fault != nil {
				return nil, fault
			}
			out[k] = bound
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			bound, fault := bindValue(val, prior)
			if fault != nil {
				return nil, fault
			}
			out[i] = bound
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveRef(ref string, prior map[string]*contracts.StepResult) (any, *contracts.Fault) {
	inner := strings.TrimSuffix(strings.TrimPrefix(ref, refPrefix), refSuffix)
	parts := strings.Split(inner, ".")
	if len(parts) < 2 || parts[1] != "output" {
		return nil, contracts.Faultf(contracts.ErrInvalidInput, "malformed step reference %q", ref)
	}
	result, ok := prior[parts[0]]
	if !ok || result.Status != contracts.StepSucceeded {
		return nil, contracts.Faultf(contracts.ErrInvalidInput, "reference %q points at a step with no successful output", ref)
	}
	value := result.Output
	for _, key := range parts[2:] {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, contracts.Faultf(contracts.ErrInvalidInput, "reference %q traverses a non-object at %q", ref, key)
		}
		value, ok = m[key]
		if !ok {
			return nil, contracts.Faultf(contracts.ErrInvalidInput, "reference %q names missing field %q", ref, key)
		}
	}
	return value, nil
}

// validateSchema checks v against a JSON schema document. A nil schema
// accepts everything.
func validateSchema(schema []byte, v any, what string) *contracts.Fault {
	if len(schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "wmag:///" + what + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return contracts.Faultf(contracts.ErrInvalidInput, "%s is not loadable: %v", what, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return contracts.Faultf(contracts.ErrInvalidInput, "%s does not compile: %v", what, err)
	}
	if err := compiled.Validate(normalizeJSON(v)); err != nil {
		return contracts.Faultf(contracts.ErrInvalidInput, "%s violation: %v", what, err)
	}
	return nil
}

// normalizeJSON reduces v to the generic JSON shapes the validator
// expects; structs, typed maps and Go ints round-trip through encoding.
func normalizeJSON(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// deriveIdemKey derives the side-effect deduplication key per the action's
// declared strategy. Side-effect actions must end up with a key; anything
// else is an idempotency fault before execution.
func deriveIdemKey(action *registry.Action, args map[string]any, tenantID string) (string, *contracts.Fault) {
	if !action.SideEffect {
		return "", nil
	}
	switch action.Idempotency.Strategy {
	case registry.IdemHash:
		keyed := args
		if len(action.Idempotency.Fields) > 0 {
			keyed = make(map[string]any, len(action.Idempotency.Fields))
			for _, f := range action.Idempotency.Fields {
				if v, ok := args[f]; ok {
					keyed[f] = v
				}
			}
		}
		canonical, err := canonicalize.Canonical(keyed)
		if err != nil {
			return "", contracts.Faultf(contracts.ErrIdempotency, "cannot canonicalize args for %s: %v", action.ActionID, err)
		}
		sum := sha256.Sum256([]byte(action.ActionID + "|" + string(canonical) + "|" + tenantID))
		return hex.EncodeToString(sum[:]), nil
	case registry.IdemExplicitKey:
		key, ok := args["idempotency_key"].(string)
		if !ok || key == "" {
			return "", contracts.Faultf(contracts.ErrIdempotency, "action %s requires args.idempotency_key", action.ActionID)
		}
		return fmt.Sprintf("%s|%s|%s", action.ActionID, tenantID, key), nil
	default:
		return "", contracts.Faultf(contracts.ErrIdempotency, "side-effect action %s declares no idempotency strategy", action.ActionID)
	}
}
