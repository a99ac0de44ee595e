// Package analyzer implements the query analyzer: feature detection,
// complexity scoring and specialized-feature marking over a parsed search
// query, feeding the composite router's capability matching.
package analyzer

import (
	"fmt"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/query"
	"github.com/fhircore/engine/internal/searchparam"
)

// Feature is one detected characteristic of a search query.
type Feature string

const (
	FeatureBasicSearch      Feature = "basic_search"
	FeatureIDLookup         Feature = "id_lookup"
	FeatureStringSearch     Feature = "string_search"
	FeatureTokenSearch      Feature = "token_search"
	FeatureDateSearch       Feature = "date_search"
	FeatureNumberSearch     Feature = "number_search"
	FeatureQuantitySearch   Feature = "quantity_search"
	FeatureReferenceSearch  Feature = "reference_search"
	FeatureURISearch        Feature = "uri_search"
	FeatureCompositeSearch  Feature = "composite_search"
	FeatureChainedSearch    Feature = "chained_search"
	FeatureReverseChaining  Feature = "reverse_chaining"
	FeatureFullTextSearch   Feature = "full_text_search"
	FeatureTerminologySearch Feature = "terminology_search"
	FeatureInclude          Feature = "include"
	FeatureRevinclude       Feature = "revinclude"
	FeatureIterateInclude   Feature = "iterate_include"
	FeatureSorting          Feature = "sorting"
	FeatureCursorPagination Feature = "cursor_pagination"
	FeatureOffsetPagination Feature = "offset_pagination"
	FeatureTotalCount       Feature = "total_count"
	FeatureSummary          Feature = "summary"
)

// requiredCapability maps a feature to the backend capability it needs, if
// any — total count and summary are satisfiable by every backend.
func requiredCapability(f Feature) (backend.Capability, bool) {
	switch f {
	case FeatureBasicSearch, FeatureIDLookup, FeatureStringSearch, FeatureTokenSearch,
		FeatureReferenceSearch, FeatureURISearch, FeatureCompositeSearch:
		return backend.CapBasicSearch, true
	case FeatureDateSearch:
		return backend.CapDateSearch, true
	case FeatureNumberSearch, FeatureQuantitySearch:
		return backend.CapQuantitySearch, true
	case FeatureChainedSearch:
		return backend.CapChainedSearch, true
	case FeatureReverseChaining:
		return backend.CapReverseChaining, true
	case FeatureFullTextSearch:
		return backend.CapFullTextSearch, true
	case FeatureTerminologySearch:
		return backend.CapTerminologySearch, true
	case FeatureInclude, FeatureIterateInclude:
		return backend.CapInclude, true
	case FeatureRevinclude:
		return backend.CapRevinclude, true
	case FeatureSorting:
		return backend.CapSorting, true
	case FeatureCursorPagination:
		return backend.CapCursorPagination, true
	case FeatureOffsetPagination:
		return backend.CapOffsetPagination, true
	default:
		return "", false
	}
}

// prefersSpecializedBackend marks the features that benefit from routing
// to a backend specialized for them rather than the default primary.
func prefersSpecializedBackend(f Feature) bool {
	switch f {
	case FeatureChainedSearch, FeatureReverseChaining, FeatureFullTextSearch, FeatureTerminologySearch:
		return true
	default:
		return false
	}
}

// TerminologyOp is a detected terminology-expanding modifier.
type TerminologyOp string

const (
	TerminologyAbove TerminologyOp = "above"
	TerminologyBelow TerminologyOp = "below"
	TerminologyIn    TerminologyOp = "in"
	TerminologyNotIn TerminologyOp = "not-in"
)

var terminologyOps = map[query.Modifier]TerminologyOp{
	query.ModAbove: TerminologyAbove,
	query.ModBelow: TerminologyBelow,
	query.ModIn:    TerminologyIn,
	query.ModNotIn: TerminologyNotIn,
}

// TerminologyUse names the parameter a terminology operation was found on.
type TerminologyUse struct {
	Param string
	Op    TerminologyOp
}

// Analysis is the full result of analyzing a SearchQuery.
type Analysis struct {
	Features             map[Feature]bool
	RequiredCapabilities map[backend.Capability]bool
	ComplexityScore      int
	FeatureParams        map[Feature][]query.SearchParameter
	SpecializedFeatures  map[Feature]bool
	TerminologyOps       []TerminologyUse
	Splittable           bool
}

func empty() *Analysis {
	return &Analysis{
		Features:             make(map[Feature]bool),
		RequiredCapabilities: make(map[backend.Capability]bool),
		ComplexityScore:      1,
		FeatureParams:        make(map[Feature][]query.SearchParameter),
		SpecializedFeatures:  make(map[Feature]bool),
		Splittable:           true,
	}
}

// HasChaining reports forward or reverse chaining.
func (a *Analysis) HasChaining() bool {
	return a.Features[FeatureChainedSearch] || a.Features[FeatureReverseChaining]
}

// HasFulltext reports a full-text search feature.
func (a *Analysis) HasFulltext() bool { return a.Features[FeatureFullTextSearch] }

// HasTerminology reports a terminology expansion feature.
func (a *Analysis) HasTerminology() bool { return a.Features[FeatureTerminologySearch] }

// HasIncludes reports an include or revinclude feature.
func (a *Analysis) HasIncludes() bool {
	return a.Features[FeatureInclude] || a.Features[FeatureRevinclude]
}

// Analyzer detects features in a parsed SearchQuery against a search
// parameter registry (to resolve each parameter's FHIR type).
type Analyzer struct {
	Registry *searchparam.Registry
}

// New constructs an Analyzer bound to a parameter registry.
func New(registry *searchparam.Registry) *Analyzer {
	return &Analyzer{Registry: registry}
}

// Analyze detects a query's features, required capabilities and
// complexity score.
func (a *Analyzer) Analyze(resourceType string, q *query.SearchQuery) *Analysis {
	analysis := empty()

	if len(q.Parameters) > 0 || len(q.Includes) > 0 || len(q.RevIncludes) > 0 {
		analysis.Features[FeatureBasicSearch] = true
	}

	for _, p := range q.Parameters {
		a.analyzeParameter(resourceType, p, analysis)
	}

	for _, rc := range q.ReverseChains {
		analysis.Features[FeatureReverseChaining] = true
		analysis.FeatureParams[FeatureReverseChaining] = append(
			analysis.FeatureParams[FeatureReverseChaining],
			query.SearchParameter{
				Name:      fmt.Sprintf("_has:%s:%s:%s", rc.SourceType, rc.ReferenceParam, rc.SearchParam),
				ParamType: searchparam.TypeSpecial,
			},
		)
	}

	for _, inc := range q.Includes {
		if inc.Iterate {
			analysis.Features[FeatureIterateInclude] = true
		} else {
			analysis.Features[FeatureInclude] = true
		}
	}
	for range q.RevIncludes {
		analysis.Features[FeatureRevinclude] = true
	}

	if len(q.Sort) > 0 {
		analysis.Features[FeatureSorting] = true
	}

	if q.Cursor != "" {
		analysis.Features[FeatureCursorPagination] = true
	} else if q.Offset > 0 {
		analysis.Features[FeatureOffsetPagination] = true
	}

	if q.Total != "" && q.Total != query.TotalNone {
		analysis.Features[FeatureTotalCount] = true
	}
	if q.Summary != "" {
		analysis.Features[FeatureSummary] = true
	}

	for f := range analysis.Features {
		if capability, ok := requiredCapability(f); ok {
			analysis.RequiredCapabilities[capability] = true
		}
		if prefersSpecializedBackend(f) {
			analysis.SpecializedFeatures[f] = true
		}
	}

	analysis.ComplexityScore = a.calculateComplexity(analysis)
	analysis.Splittable = true // no tight-coupling pattern currently requires atomic routing

	return analysis
}

func (a *Analyzer) analyzeParameter(resourceType string, p query.SearchParameter, analysis *Analysis) {
	if p.Name == "_id" {
		analysis.Features[FeatureIDLookup] = true
		return
	}
	if p.Name == "_text" || p.Name == "_content" {
		analysis.Features[FeatureFullTextSearch] = true
		analysis.FeatureParams[FeatureFullTextSearch] = append(analysis.FeatureParams[FeatureFullTextSearch], p)
		return
	}

	if len(p.Chain) > 0 {
		analysis.Features[FeatureChainedSearch] = true
		analysis.FeatureParams[FeatureChainedSearch] = append(analysis.FeatureParams[FeatureChainedSearch], p)
	}

	if op, ok := terminologyOps[p.Modifier]; ok {
		analysis.Features[FeatureTerminologySearch] = true
		analysis.TerminologyOps = append(analysis.TerminologyOps, TerminologyUse{Param: p.Name, Op: op})
		analysis.FeatureParams[FeatureTerminologySearch] = append(analysis.FeatureParams[FeatureTerminologySearch], p)
	}

	paramType := p.ParamType
	if paramType == "" && a.Registry != nil {
		if def, ok := a.Registry.Lookup(p.Name, resourceType); ok {
			paramType = def.Type
		} else if def, ok := a.Registry.Lookup(p.Name, "Resource"); ok {
			paramType = def.Type
		}
	}

	if p.Modifier == query.ModText && paramType == searchparam.TypeToken {
		analysis.Features[FeatureFullTextSearch] = true
	}

	typeFeature := paramTypeFeature(paramType)
	analysis.Features[typeFeature] = true

	if len(p.Chain) == 0 && !analysis.Features[FeatureTerminologySearch] {
		analysis.FeatureParams[FeatureBasicSearch] = append(analysis.FeatureParams[FeatureBasicSearch], p)
	}
}

func paramTypeFeature(t searchparam.ParamType) Feature {
	switch t {
	case searchparam.TypeString:
		return FeatureStringSearch
	case searchparam.TypeToken:
		return FeatureTokenSearch
	case searchparam.TypeDate:
		return FeatureDateSearch
	case searchparam.TypeNumber:
		return FeatureNumberSearch
	case searchparam.TypeQuantity:
		return FeatureQuantitySearch
	case searchparam.TypeReference:
		return FeatureReferenceSearch
	case searchparam.TypeURI:
		return FeatureURISearch
	case searchparam.TypeComposite:
		return FeatureCompositeSearch
	default:
		return FeatureBasicSearch
	}
}

// calculateComplexity mirrors the saturating-add scoring formula: base 1,
// +2 chaining, +1 full-text, +2 terminology, +1 includes, +1 each past 5
// and 8 distinct features, +1 for reverse chaining specifically, capped
// at 10.
func (a *Analyzer) calculateComplexity(analysis *Analysis) int {
	score := 1
	if analysis.HasChaining() {
		score += 2
	}
	if analysis.HasFulltext() {
		score++
	}
	if analysis.HasTerminology() {
		score += 2
	}
	if analysis.HasIncludes() {
		score++
	}
	count := len(analysis.Features)
	if count > 5 {
		score++
	}
	if count > 8 {
		score++
	}
	if analysis.Features[FeatureReverseChaining] {
		score++
	}
	if score > 10 {
		score = 10
	}
	return score
}
