package registry

// idKeys names the identifier field of each list section that merges by
// replacement rather than concatenation.
var idKeys = map[string]string{
	"tools":    "tool_id",
	"actions":  "action_id",
	"policies": "policy_id",
}

// Merge combines a layer onto a base raw document. List sections indexed by
// id replace entries with matching ids and append new ones; every other
// field deep-merges with the layer winning. Neither input is mutated.
func Merge(base, layer map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(layer))
	for k, v := range base {
		out[k] = v
	}
	for k, lv := range layer {
		bv, exists := out[k]
		if !exists {
			out[k] = lv
			continue
		}
		if idKey, isListSection := idKeys[k]; isListSection {
			bl, bok := bv.([]any)
			ll, lok := lv.([]any)
			if bok && lok {
				out[k] = mergeByID(bl, ll, idKey)
				continue
			}
		}
		bm, bok := bv.(map[string]any)
		lm, lok := lv.(map[string]any)
		if bok && lok {
			out[k] = Merge(bm, lm)
			continue
		}
		out[k] = lv
	}
	return out
}

// mergeByID replaces base entries whose id matches a layer entry, keeping
// base order, then appends layer entries with new ids in layer order.
func mergeByID(base, layer []any, idKey string) []any {
	layerByID := make(map[string]any, len(layer))
	layerOrder := make([]string, 0, len(layer))
	var anonymous []any
	for _, item := range layer {
		var id string
		if m, ok := item.(map[string]any); ok {
			id, _ = m[idKey].(string)
		}
		if id == "" {
			// Entries without a usable id cannot be matched; append verbatim.
			anonymous = append(anonymous, item)
			continue
		}
		if _, seen := layerByID[id]; !seen {
			layerOrder = append(layerOrder, id)
		}
		layerByID[id] = item
	}

	out := make([]any, 0, len(base)+len(layer))
	consumed := make(map[string]bool, len(layerByID))
	for _, item := range base {
		var id string
		if m, ok := item.(map[string]any); ok {
			id, _ = m[idKey].(string)
		}
		if id != "" {
			if repl, ok := layerByID[id]; ok {
				out = append(out, repl)
				consumed[id] = true
				continue
			}
		}
		out = append(out, item)
	}
	for _, id := range layerOrder {
		if !consumed[id] {
			out = append(out, layerByID[id])
		}
	}
	return append(out, anonymous...)
}
