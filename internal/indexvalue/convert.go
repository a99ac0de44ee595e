package indexvalue

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/searchparam"
)

// Extract evaluates def's FHIRPath expression against resource and converts
// each raw match to zero or more IndexValues, using the per-type
// conversion rules for def.Type. Extraction is pure, order-preserving and
// idempotent; per-value conversion failures are collected and returned
// alongside whatever values did convert successfully (others still
// extract).
func Extract(resource *model.StoredResource, def searchparam.Definition, eval fhirpath.Evaluator) ([]IndexValue, []*ConversionFailed) {
	if def.Type == searchparam.TypeSpecial {
		return extractSpecial(resource, def)
	}
	if def.Type == searchparam.TypeComposite {
		// Composite parameters are not materialized at extraction time; they
		// are evaluated at query time from their components.
		return nil, nil
	}

	raw, err := eval(def.Expression, resource.Content)
	if err != nil {
		return nil, []*ConversionFailed{{Param: def.Code, ExpectedType: string(def.Type), ActualValue: err.Error()}}
	}

	var values []IndexValue
	var failures []*ConversionFailed
	for _, r := range raw {
		vs, err := convertOne(def, r)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		values = append(values, vs...)
	}
	return values, failures
}

func convertOne(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	switch def.Type {
	case searchparam.TypeString:
		return convertString(def, raw)
	case searchparam.TypeToken:
		return convertToken(def, raw)
	case searchparam.TypeDate:
		return convertDate(def, raw)
	case searchparam.TypeNumber:
		return convertNumber(def, raw)
	case searchparam.TypeQuantity:
		return convertQuantity(def, raw)
	case searchparam.TypeReference:
		return convertReference(def, raw)
	case searchparam.TypeURI:
		return convertURI(def, raw)
	default:
		return nil, &ConversionFailed{Param: def.Code, ExpectedType: string(def.Type), ActualValue: raw}
	}
}

// --- string ------------------------------------------------------------

func convertString(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	switch t := raw.(type) {
	case string:
		return []IndexValue{String(strings.ToLower(t))}, nil
	case map[string]any:
		if isHumanName(t) {
			return extractHumanNameStrings(t), nil
		}
		if isAddress(t) {
			return extractAddressStrings(t), nil
		}
		if text, ok := t["text"].(string); ok {
			return []IndexValue{String(strings.ToLower(text))}, nil
		}
	}
	return nil, &ConversionFailed{Param: def.Code, ExpectedType: "string", ActualValue: raw}
}

func isHumanName(m map[string]any) bool {
	_, hasFamily := m["family"]
	_, hasGiven := m["given"]
	_, hasUse := m["use"]
	return hasFamily || hasGiven || hasUse
}

func isAddress(m map[string]any) bool {
	_, hasLine := m["line"]
	_, hasCity := m["city"]
	_, hasPostal := m["postalCode"]
	return hasLine || hasCity || hasPostal
}

func extractHumanNameStrings(m map[string]any) []IndexValue {
	var out []IndexValue
	if family, ok := m["family"].(string); ok && family != "" {
		out = append(out, String(strings.ToLower(family)))
	}
	if given, ok := m["given"].([]any); ok {
		for _, g := range given {
			if s, ok := g.(string); ok && s != "" {
				out = append(out, String(strings.ToLower(s)))
			}
		}
	}
	if text, ok := m["text"].(string); ok && text != "" {
		out = append(out, String(strings.ToLower(text)))
	}
	return out
}

func extractAddressStrings(m map[string]any) []IndexValue {
	var out []IndexValue
	if lines, ok := m["line"].([]any); ok {
		for _, l := range lines {
			if s, ok := l.(string); ok && s != "" {
				out = append(out, String(strings.ToLower(s)))
			}
		}
	}
	for _, field := range []string{"city", "state", "postalCode", "country"} {
		if s, ok := m[field].(string); ok && s != "" {
			out = append(out, String(strings.ToLower(s)))
		}
	}
	return out
}

// --- token ---------------------------------------------------------------

func convertToken(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	switch t := raw.(type) {
	case string:
		return []IndexValue{TokenValue(Token{Code: t})}, nil
	case bool:
		return []IndexValue{TokenValue(Token{Code: strconv.FormatBool(t)})}, nil
	case map[string]any:
		if _, hasCoding := t["coding"]; hasCoding || hasKey(t, "text") && hasAnyOf(t, "coding") {
			return convertCodeableConcept(t), nil
		}
		if _, hasSystem := t["system"]; hasSystem {
			if _, hasValue := t["value"]; hasValue {
				return convertIdentifier(t), nil
			}
			return []IndexValue{convertCoding(t)}, nil
		}
		if _, hasValue := t["value"]; hasValue {
			return convertIdentifier(t), nil
		}
		if coding, ok := t["coding"]; ok {
			_ = coding
			return convertCodeableConcept(t), nil
		}
	}
	return nil, &ConversionFailed{Param: def.Code, ExpectedType: "token", ActualValue: raw}
}

func hasKey(m map[string]any, k string) bool { _, ok := m[k]; return ok }
func hasAnyOf(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func convertCoding(m map[string]any) IndexValue {
	tok := Token{}
	if s, ok := m["system"].(string); ok {
		tok.System = s
	}
	if c, ok := m["code"].(string); ok {
		tok.Code = c
	}
	if d, ok := m["display"].(string); ok {
		tok.Display = d
	}
	return TokenValue(tok)
}

func convertCodeableConcept(m map[string]any) []IndexValue {
	var out []IndexValue
	if codings, ok := m["coding"].([]any); ok {
		for _, c := range codings {
			if cm, ok := c.(map[string]any); ok {
				out = append(out, convertCoding(cm))
			}
		}
	}
	if text, ok := m["text"].(string); ok && text != "" {
		out = append(out, TokenValue(Token{Display: text}))
	}
	return out
}

func convertIdentifier(m map[string]any) []IndexValue {
	tok := Token{}
	if s, ok := m["system"].(string); ok {
		tok.System = s
	}
	if v, ok := m["value"].(string); ok {
		tok.Code = v
	}
	if typ, ok := m["type"].(map[string]any); ok {
		if codings, ok := typ["coding"].([]any); ok && len(codings) > 0 {
			if cm, ok := codings[0].(map[string]any); ok {
				if s, ok := cm["system"].(string); ok {
					tok.IDTypeSystem = s
				}
				if c, ok := cm["code"].(string); ok {
					tok.IDTypeCode = c
				}
			}
		}
	}
	return []IndexValue{TokenValue(tok)}
}

// --- date ------------------------------------------------------------

func convertDate(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	switch t := raw.(type) {
	case string:
		d, err := parseDate(t)
		if err != nil {
			return nil, &ConversionFailed{Param: def.Code, ExpectedType: "date", ActualValue: raw}
		}
		return []IndexValue{DateValue(d)}, nil
	case map[string]any:
		if start, ok := t["start"]; ok {
			return convertPeriod(def, t, start, t["end"])
		}
		if repeat, ok := t["repeat"].(map[string]any); ok {
			if bounds, ok := repeat["boundsPeriod"].(map[string]any); ok {
				return convertPeriod(def, bounds, bounds["start"], bounds["end"])
			}
		}
	}
	return nil, &ConversionFailed{Param: def.Code, ExpectedType: "date", ActualValue: raw}
}

func convertPeriod(def searchparam.Definition, _ map[string]any, start, end any) ([]IndexValue, *ConversionFailed) {
	var out []IndexValue
	if s, ok := start.(string); ok && s != "" {
		if d, err := parseDate(s); err == nil {
			out = append(out, DateValue(d))
		}
	}
	if e, ok := end.(string); ok && e != "" {
		if d, err := parseDate(e); err == nil {
			out = append(out, DateValue(d))
		}
	}
	if len(out) == 0 {
		return nil, &ConversionFailed{Param: def.Code, ExpectedType: "date", ActualValue: start}
	}
	return out, nil
}

// parseDate preserves the precision implied by the string's length, per
// FHIR's partial-date rules.
func parseDate(s string) (Date, error) {
	switch {
	case len(s) == 4:
		return Date{Value: s, Precision: PrecisionYear}, nil
	case len(s) == 7:
		return Date{Value: s, Precision: PrecisionMonth}, nil
	case len(s) == 10:
		return Date{Value: s, Precision: PrecisionDay}, nil
	case len(s) >= 19 && strings.Contains(s, "."):
		return Date{Value: s, Precision: PrecisionMS}, nil
	case len(s) >= 19:
		return Date{Value: s, Precision: PrecisionSecond}, nil
	default:
		return Date{}, fmt.Errorf("unrecognized date format: %q", s)
	}
}

// --- number / quantity ------------------------------------------------

func convertNumber(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	switch t := raw.(type) {
	case float64:
		return []IndexValue{Number(t)}, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, &ConversionFailed{Param: def.Code, ExpectedType: "number", ActualValue: raw}
		}
		return []IndexValue{Number(f)}, nil
	}
	return nil, &ConversionFailed{Param: def.Code, ExpectedType: "number", ActualValue: raw}
}

func convertQuantity(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ConversionFailed{Param: def.Code, ExpectedType: "quantity", ActualValue: raw}
	}
	val, ok := m["value"].(float64)
	if !ok {
		return nil, &ConversionFailed{Param: def.Code, ExpectedType: "quantity", ActualValue: raw}
	}
	q := Quantity{Value: val}
	if u, ok := m["unit"].(string); ok {
		q.Unit = u
	}
	if s, ok := m["system"].(string); ok {
		q.System = s
	}
	if c, ok := m["code"].(string); ok {
		q.Code = c
	}
	if q.Unit == "" {
		q.Unit = q.Code
	}
	return []IndexValue{QuantityValue(q)}, nil
}

// --- reference / uri ---------------------------------------------------

func convertReference(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	var refStr string
	switch t := raw.(type) {
	case string:
		refStr = t
	case map[string]any:
		if r, ok := t["reference"].(string); ok {
			refStr = r
		}
	}
	if refStr == "" {
		return nil, &ConversionFailed{Param: def.Code, ExpectedType: "reference", ActualValue: raw}
	}

	ref := Reference{Reference: refStr}
	if strings.Contains(refStr, "://") {
		parts := strings.Split(strings.TrimRight(refStr, "/"), "/")
		if len(parts) >= 2 {
			ref.ResourceType = parts[len(parts)-2]
			ref.ResourceID = parts[len(parts)-1]
		}
	} else if idx := strings.Index(refStr, "/"); idx >= 0 {
		ref.ResourceType = refStr[:idx]
		ref.ResourceID = refStr[idx+1:]
	}
	return []IndexValue{ReferenceValue(ref)}, nil
}

func convertURI(def searchparam.Definition, raw any) ([]IndexValue, *ConversionFailed) {
	s, ok := raw.(string)
	if !ok {
		return nil, &ConversionFailed{Param: def.Code, ExpectedType: "uri", ActualValue: raw}
	}
	return []IndexValue{URI(s)}, nil
}

// --- special -------------------------------------------------------------

func extractSpecial(resource *model.StoredResource, def searchparam.Definition) ([]IndexValue, []*ConversionFailed) {
	switch def.Code {
	case "_id":
		return []IndexValue{TokenValue(Token{Code: resource.LogicalID})}, nil
	case "_lastUpdated":
		d, err := parseDate(resource.LastModified.Format("2006-01-02T15:04:05.000Z07:00"))
		if err != nil {
			return nil, []*ConversionFailed{{Param: def.Code, ExpectedType: "date", ActualValue: resource.LastModified}}
		}
		return []IndexValue{DateValue(d)}, nil
	case "_tag", "_security":
		return nil, nil // resource.meta tags and security labels are not indexed
	case "_profile", "_source":
		return nil, nil
	default:
		return nil, []*ConversionFailed{{Param: def.Code, ExpectedType: "special", ActualValue: def.Code}}
	}
}
