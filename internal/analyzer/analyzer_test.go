package analyzer

import (
	"testing"

	"github.com/fhircore/engine/internal/query"
	"github.com/fhircore/engine/internal/searchparam"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	r := searchparam.NewRegistry()
	if err := searchparam.LoadSeed(r); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	return New(r)
}

func TestAnalyze_BasicStringSearch(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Patient",
		Parameters: []query.SearchParameter{
			{Name: "name", ParamType: searchparam.TypeString, Values: []query.SearchValue{{Value: "Smith"}}},
		},
	}
	got := a.Analyze("Patient", q)
	if !got.Features[FeatureBasicSearch] || !got.Features[FeatureStringSearch] {
		t.Fatalf("features = %+v", got.Features)
	}
}

func TestAnalyze_IDLookup(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Patient",
		Parameters:   []query.SearchParameter{{Name: "_id", Values: []query.SearchValue{{Value: "123"}}}},
	}
	got := a.Analyze("Patient", q)
	if !got.Features[FeatureIDLookup] {
		t.Fatalf("features = %+v", got.Features)
	}
	if got.ComplexityScore > 3 {
		t.Fatalf("complexity = %d, want <=3", got.ComplexityScore)
	}
}

func TestAnalyze_ChainedSearchIsSpecialized(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Observation",
		Parameters: []query.SearchParameter{
			{
				Name:      "name",
				ParamType: searchparam.TypeString,
				Values:    []query.SearchValue{{Value: "Smith"}},
				Chain:     []query.ChainLink{{ReferenceParam: "subject", TargetType: "Patient"}},
			},
		},
	}
	got := a.Analyze("Observation", q)
	if !got.Features[FeatureChainedSearch] {
		t.Fatalf("features = %+v", got.Features)
	}
	if !got.SpecializedFeatures[FeatureChainedSearch] {
		t.Fatal("expected ChainedSearch to be marked specialized")
	}
	if !got.HasChaining() {
		t.Fatal("HasChaining() = false")
	}
}

func TestAnalyze_FullTextSearch(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Patient",
		Parameters:   []query.SearchParameter{{Name: "_text", Values: []query.SearchValue{{Value: "cardiac"}}}},
	}
	got := a.Analyze("Patient", q)
	if !got.Features[FeatureFullTextSearch] {
		t.Fatalf("features = %+v", got.Features)
	}
}

func TestAnalyze_TerminologyModifiers(t *testing.T) {
	a := newTestAnalyzer(t)
	for _, mod := range []query.Modifier{query.ModAbove, query.ModBelow, query.ModIn, query.ModNotIn} {
		q := &query.SearchQuery{
			ResourceType: "Observation",
			Parameters: []query.SearchParameter{
				{Name: "code", ParamType: searchparam.TypeToken, Modifier: mod, Values: []query.SearchValue{{Value: "http://loinc.org|8867-4"}}},
			},
		}
		got := a.Analyze("Observation", q)
		if !got.Features[FeatureTerminologySearch] {
			t.Fatalf("modifier %q: features = %+v", mod, got.Features)
		}
		if len(got.TerminologyOps) != 1 || got.TerminologyOps[0].Param != "code" {
			t.Fatalf("modifier %q: terminology ops = %+v", mod, got.TerminologyOps)
		}
	}
}

func TestAnalyze_IncludeAndRevinclude(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Observation",
		Includes:     []query.IncludeDirective{{SourceType: "Observation", SearchParam: "patient", TargetType: "Patient"}},
		RevIncludes:  []query.IncludeDirective{{SourceType: "Encounter", SearchParam: "subject", TargetType: "Patient"}},
	}
	got := a.Analyze("Observation", q)
	if !got.Features[FeatureInclude] || !got.Features[FeatureRevinclude] {
		t.Fatalf("features = %+v", got.Features)
	}
	if !got.HasIncludes() {
		t.Fatal("HasIncludes() = false")
	}
}

func TestAnalyze_IterateInclude(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Observation",
		Includes:     []query.IncludeDirective{{SourceType: "Observation", SearchParam: "patient", Iterate: true}},
	}
	got := a.Analyze("Observation", q)
	if !got.Features[FeatureIterateInclude] {
		t.Fatalf("features = %+v", got.Features)
	}
	if got.Features[FeatureInclude] {
		t.Fatal("plain Include should not also be set for an iterate include")
	}
}

func TestAnalyze_Sorting(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{ResourceType: "Patient", Sort: []query.SortDirective{{Param: "_lastUpdated", Descending: true}}}
	got := a.Analyze("Patient", q)
	if !got.Features[FeatureSorting] {
		t.Fatalf("features = %+v", got.Features)
	}
}

func TestAnalyze_CursorVsOffsetPagination(t *testing.T) {
	a := newTestAnalyzer(t)
	cursorQ := &query.SearchQuery{ResourceType: "Patient", Cursor: "abc"}
	got := a.Analyze("Patient", cursorQ)
	if !got.Features[FeatureCursorPagination] || got.Features[FeatureOffsetPagination] {
		t.Fatalf("features = %+v", got.Features)
	}

	offsetQ := &query.SearchQuery{ResourceType: "Patient", Offset: 10}
	got = a.Analyze("Patient", offsetQ)
	if !got.Features[FeatureOffsetPagination] || got.Features[FeatureCursorPagination] {
		t.Fatalf("features = %+v", got.Features)
	}
}

func TestAnalyze_ReverseChainDetection(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType:  "Patient",
		ReverseChains: []query.ReverseChain{{SourceType: "Observation", ReferenceParam: "subject", SearchParam: "code", Value: "8867-4"}},
	}
	got := a.Analyze("Patient", q)
	if !got.Features[FeatureReverseChaining] {
		t.Fatalf("features = %+v", got.Features)
	}
	if !got.SpecializedFeatures[FeatureReverseChaining] {
		t.Fatal("expected ReverseChaining to be marked specialized")
	}
}

func TestAnalyze_ComplexityScoreIncreasesWithFeatures(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Observation",
		Parameters: []query.SearchParameter{
			{
				Name:      "name",
				ParamType: searchparam.TypeString,
				Values:    []query.SearchValue{{Value: "Smith"}},
				Chain:     []query.ChainLink{{ReferenceParam: "subject", TargetType: "Patient"}},
			},
			{Name: "_text", Values: []query.SearchValue{{Value: "cardiac"}}},
			{Name: "code", ParamType: searchparam.TypeToken, Modifier: query.ModBelow, Values: []query.SearchValue{{Value: "http://loinc.org|8867-4"}}},
		},
	}
	got := a.Analyze("Observation", q)
	if got.ComplexityScore < 5 {
		t.Fatalf("complexity = %d, want >=5", got.ComplexityScore)
	}
	if got.ComplexityScore > 10 {
		t.Fatalf("complexity = %d, want <=10", got.ComplexityScore)
	}
}

func TestAnalyze_ComplexityScoreCapsAtTen(t *testing.T) {
	a := newTestAnalyzer(t)
	q := &query.SearchQuery{
		ResourceType: "Observation",
		Parameters: []query.SearchParameter{
			{Name: "name", ParamType: searchparam.TypeString, Values: []query.SearchValue{{Value: "A"}}, Chain: []query.ChainLink{{ReferenceParam: "subject"}}},
			{Name: "_text", Values: []query.SearchValue{{Value: "B"}}},
			{Name: "code", ParamType: searchparam.TypeToken, Modifier: query.ModBelow, Values: []query.SearchValue{{Value: "C"}}},
			{Name: "date", ParamType: searchparam.TypeDate, Values: []query.SearchValue{{Value: "2020"}}},
			{Name: "value-quantity", ParamType: searchparam.TypeQuantity, Values: []query.SearchValue{{Value: "5"}}},
			{Name: "identifier", ParamType: searchparam.TypeToken, Values: []query.SearchValue{{Value: "x"}}},
			{Name: "subject", ParamType: searchparam.TypeReference, Values: []query.SearchValue{{Value: "Patient/1"}}},
			{Name: "url", ParamType: searchparam.TypeURI, Values: []query.SearchValue{{Value: "http://x"}}},
		},
		ReverseChains: []query.ReverseChain{{SourceType: "Observation", ReferenceParam: "subject", SearchParam: "code"}},
		Includes:      []query.IncludeDirective{{SourceType: "Observation", SearchParam: "patient"}},
	}
	got := a.Analyze("Observation", q)
	if got.ComplexityScore != 10 {
		t.Fatalf("complexity = %d, want 10 (capped)", got.ComplexityScore)
	}
}
