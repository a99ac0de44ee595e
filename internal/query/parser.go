package query

import (
	"fmt"
	"strconv"
	"strings"
)

// systemParamNames are the parameter names processed into SearchQuery's
// structured fields rather than appended to Parameters.
var systemParamNames = map[string]bool{
	"_count": true, "_offset": true, "_cursor": true, "_sort": true,
	"_total": true, "_summary": true, "_elements": true,
	"_include": true, "_revinclude": true,
}

// ParseQuery parses a map of wire parameters into a SearchQuery for
// resourceType. The values of a repeated query-string key are joined with
// commas here, except `_has`, where each value becomes its own reverse chain.
func ParseQuery(resourceType string, raw map[string][]string, defaultCount, maxCount int) (*SearchQuery, error) {
	q := &SearchQuery{
		ResourceType: resourceType,
		Count:        defaultCount,
		Total:        TotalNone,
	}

	for name, values := range raw {
		joined := strings.Join(values, ",")
		if name == "_has" {
			for _, v := range values {
				hc, err := parseHasValue(v)
				if err != nil {
					return nil, err
				}
				q.ReverseChains = append(q.ReverseChains, *hc)
			}
			continue
		}
		if strings.HasPrefix(name, "_has:") {
			hc, err := parseHasDirective(name, joined)
			if err != nil {
				return nil, err
			}
			q.ReverseChains = append(q.ReverseChains, *hc)
			continue
		}

		if !strings.Contains(name, ".") {
			// System params (_count, _sort, ...) are never chained, so it is
			// safe to split off a modifier before checking against the name.
			base, _ := ParseParamModifier(name)
			if systemParamNames[base] {
				if err := applySystemParam(q, base, joined); err != nil {
					return nil, err
				}
				continue
			}
			if base == "_filter" {
				expr, err := ParseFilter(joined)
				if err != nil {
					return nil, fmt.Errorf("parse _filter: %w", err)
				}
				q.Filter = expr
				continue
			}
		}

		// Plain or chained parameter: each dot-separated segment carries its
		// own optional ":modifier", resolved per-segment in parseParameter.
		param, err := parseParameter(name, joined)
		if err != nil {
			return nil, err
		}
		q.Parameters = append(q.Parameters, *param)
	}

	if q.Count > maxCount {
		q.Count = maxCount
	}
	return q, nil
}

// ParseParamModifier splits a parameter name's base and chain from its
// trailing `:modifier`. A `Type(<ResourceType>)` style modifier (used to
// type-qualify a chain's final hop) is preserved verbatim as the Modifier.
func ParseParamModifier(name string) (string, Modifier) {
	idx := strings.IndexByte(name, ':')
	if idx < 0 {
		return name, ModNone
	}
	return name[:idx], Modifier(name[idx+1:])
}

// parseParameter parses `seg1[:modifier].seg2[:modifier]...=value`, where
// each dot-separated segment carries its own optional modifier. A single
// segment (no dots) is a plain, possibly-modified parameter; more than one
// segment is a chain, with the final segment's name/modifier becoming the
// terminal search parameter and modifier, and every prior segment a hop.
func parseParameter(base string, valueStr string) (*SearchParameter, error) {
	segments := strings.Split(base, ".")

	param := &SearchParameter{
		Name:  lastSegmentName(segments),
		Chain: buildChain(segments),
	}
	_, lastMod := ParseParamModifier(segments[len(segments)-1])
	if strings.HasPrefix(string(lastMod), "Type(") {
		// Whole-name type qualifier on a non-chained parameter, e.g. subject:Type(Patient).
		param.Modifier = ModNone
	} else {
		param.Modifier = lastMod
	}

	values, err := parseValues(valueStr)
	if err != nil {
		return nil, err
	}
	param.Values = values
	return param, nil
}

// buildChain derives the chain-link list from dot-separated segments:
// "patient.name" -> [{ReferenceParam: "patient"}], terminal name "name".
// "subject:Patient.name" -> [{ReferenceParam: "subject", TargetType: "Patient"}].
func buildChain(segments []string) []ChainLink {
	var chain []ChainLink
	for i := 0; i < len(segments)-1; i++ {
		name, mod := ParseParamModifier(segments[i])
		link := ChainLink{ReferenceParam: name}
		if strings.HasPrefix(string(mod), "Type(") {
			link.TargetType = strings.TrimSuffix(strings.TrimPrefix(string(mod), "Type("), ")")
		} else if mod != ModNone {
			link.TargetType = string(mod)
		}
		chain = append(chain, link)
	}
	return chain
}

func lastSegmentName(segments []string) string {
	last := segments[len(segments)-1]
	name, _ := ParseParamModifier(last)
	return name
}

// parseValues splits a comma-OR-separated value string and extracts each
// value's two-letter prefix.
func parseValues(s string) ([]SearchValue, error) {
	if s == "" {
		return nil, fmt.Errorf("empty parameter value")
	}
	parts := splitUnescapedComma(s)
	values := make([]SearchValue, 0, len(parts))
	for _, p := range parts {
		values = append(values, ParseSearchValue(p))
	}
	return values, nil
}

// splitUnescapedComma splits on "," but treats "\," as a literal comma, per
// the FHIR search value escaping rules.
func splitUnescapedComma(s string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == ',' {
			cur.WriteByte(',')
			i++
			continue
		}
		if s[i] == ',' {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(s[i])
	}
	parts = append(parts, cur.String())
	return parts
}

// ParseSearchValue extracts a leading two-letter prefix from raw, defaulting
// to PrefixEq when absent or unrecognized.
func ParseSearchValue(raw string) SearchValue {
	if len(raw) >= 2 {
		p := Prefix(strings.ToLower(raw[:2]))
		if validPrefixes[p] {
			return SearchValue{Prefix: p, Value: raw[2:]}
		}
	}
	return SearchValue{Prefix: PrefixEq, Value: raw}
}

func applySystemParam(q *SearchQuery, name, value string) error {
	switch name {
	case "_count":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid _count: %q", value)
		}
		q.Count = n
	case "_offset":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid _offset: %q", value)
		}
		q.Offset = n
	case "_cursor":
		q.Cursor = value
	case "_sort":
		for _, s := range strings.Split(value, ",") {
			if s == "" {
				continue
			}
			desc := strings.HasPrefix(s, "-")
			q.Sort = append(q.Sort, SortDirective{Param: strings.TrimPrefix(s, "-"), Descending: desc})
		}
	case "_total":
		switch TotalMode(value) {
		case TotalNone, TotalEstimate, TotalAccurate:
			q.Total = TotalMode(value)
		default:
			return fmt.Errorf("invalid _total: %q", value)
		}
	case "_summary":
		q.Summary = value
	case "_elements":
		q.Elements = strings.Split(value, ",")
	case "_include":
		for _, v := range strings.Split(value, ",") {
			d, err := parseIncludeDirective(v)
			if err != nil {
				return err
			}
			q.Includes = append(q.Includes, *d)
		}
	case "_revinclude":
		for _, v := range strings.Split(value, ",") {
			d, err := parseIncludeDirective(v)
			if err != nil {
				return err
			}
			q.RevIncludes = append(q.RevIncludes, *d)
		}
	}
	return nil
}

// parseIncludeDirective parses `SourceType:search_param[:TargetType][:iterate]`.
// "iterate" may appear in the third or fourth position.
func parseIncludeDirective(s string) (*IncludeDirective, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid include directive: %q", s)
	}
	d := &IncludeDirective{SourceType: parts[0], SearchParam: parts[1]}
	for _, p := range parts[2:] {
		if p == "iterate" || p == "recurse" {
			d.Iterate = true
		} else if p != "" {
			d.TargetType = p
		}
	}
	return d, nil
}

// parseHasValue parses the value-side encoding of a reverse chain when the
// caller supplies the directive as `_has=SourceType:ref:search_param=value`
// rather than the `_has:SourceType:ref:search_param=value` key encoding.
func parseHasValue(v string) (*ReverseChain, error) {
	eq := strings.LastIndex(v, "=")
	if eq < 0 {
		return nil, fmt.Errorf("invalid _has value: %q", v)
	}
	return parseHasDirective("_has:"+v[:eq], v[eq+1:])
}

// parseHasDirective parses `_has:SourceType:ref_param:search_param` (the
// key) with its associated value, supporting recursive nesting via repeated
// `_has:` segments for multi-level reverse chains.
func parseHasDirective(key, value string) (*ReverseChain, error) {
	if !strings.HasPrefix(key, "_has:") {
		return nil, fmt.Errorf("invalid _has key: %q", key)
	}
	rest := strings.TrimPrefix(key, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid _has key: %q", key)
	}
	sourceType, refParam, tail := parts[0], parts[1], parts[2]

	if strings.HasPrefix(tail, "_has:") {
		nested, err := parseHasDirective(tail, value)
		if err != nil {
			return nil, err
		}
		return &ReverseChain{SourceType: sourceType, ReferenceParam: refParam, Nested: nested}, nil
	}
	return &ReverseChain{SourceType: sourceType, ReferenceParam: refParam, SearchParam: tail, Value: value}, nil
}
