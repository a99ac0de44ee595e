// Package fhirpath declares the external-collaborator contract for FHIRPath
// expression evaluation: the evaluator itself is supplied externally
// ("eval(expression, resource) -> values"); this package only defines the
// function shape callers depend on and a trivial navigational fallback used
// by tests that don't need a real evaluator.
package fhirpath

import "encoding/json"

// Evaluator evaluates a FHIRPath expression against a resource document and
// returns the raw matched values (each a JSON scalar, object, or array
// element as decoded by encoding/json: string, float64, bool, map, []any,
// or nil).
type Evaluator func(expression string, resource json.RawMessage) ([]any, error)

// Naive is a minimal Evaluator sufficient for unit tests and demos: it
// supports a dotted path of field names rooted at the resource, optionally
// prefixed by the resource type (e.g. "Patient.name" or "name"), and
// flattens arrays encountered along the path. It does not implement the
// FHIRPath grammar (functions, filters, unions) — production deployments
// must supply a real evaluator.
func Naive(expression string, resource json.RawMessage) ([]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(resource, &doc); err != nil {
		return nil, err
	}

	segments := splitPath(expression)
	if len(segments) > 0 {
		if rt, ok := doc["resourceType"].(string); ok && segments[0] == rt {
			segments = segments[1:]
		}
	}

	values := []any{doc}
	for _, seg := range segments {
		var next []any
		for _, v := range values {
			next = append(next, descend(v, seg)...)
		}
		values = next
	}
	return values, nil
}

func descend(v any, field string) []any {
	switch t := v.(type) {
	case map[string]any:
		child, ok := t[field]
		if !ok {
			return nil
		}
		return flatten(child)
	case []any:
		var out []any
		for _, item := range t {
			out = append(out, descend(item, field)...)
		}
		return out
	default:
		return nil
	}
}

func flatten(v any) []any {
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

func splitPath(expr string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(expr); i++ {
		if expr[i] == '.' {
			segments = append(segments, expr[start:i])
			start = i + 1
		}
	}
	segments = append(segments, expr[start:])
	return segments
}
