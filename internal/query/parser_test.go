package query

import "testing"

func TestParseQuery_SimpleEquality(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{"name": {"smith"}}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.Parameters) != 1 || q.Parameters[0].Name != "name" {
		t.Fatalf("got %+v", q.Parameters)
	}
	if q.Parameters[0].Values[0].Value != "smith" || q.Parameters[0].Values[0].Prefix != PrefixEq {
		t.Fatalf("got %+v", q.Parameters[0].Values[0])
	}
}

func TestParseQuery_PrefixAndModifier(t *testing.T) {
	q, err := ParseQuery("Observation", map[string][]string{"date": {"ge2020-01-01"}, "name:exact": {"Smith"}}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byName := map[string]SearchParameter{}
	for _, p := range q.Parameters {
		byName[p.Name] = p
	}
	if byName["date"].Values[0].Prefix != PrefixGe || byName["date"].Values[0].Value != "2020-01-01" {
		t.Fatalf("date param = %+v", byName["date"])
	}
	if byName["name"].Modifier != ModExact {
		t.Fatalf("name param modifier = %q", byName["name"].Modifier)
	}
}

func TestParseQuery_OrValues(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{"identifier": {"a,b,c"}}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.Parameters[0].Values) != 3 {
		t.Fatalf("got %d values, want 3", len(q.Parameters[0].Values))
	}
}

func TestParseQuery_EscapedComma(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{"identifier": {`a\,b,c`}}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.Parameters[0].Values) != 2 {
		t.Fatalf("got %d values, want 2: %+v", len(q.Parameters[0].Values), q.Parameters[0].Values)
	}
	if q.Parameters[0].Values[0].Value != "a,b" {
		t.Fatalf("got %q, want %q", q.Parameters[0].Values[0].Value, "a,b")
	}
}

func TestParseQuery_ChainedParameter(t *testing.T) {
	q, err := ParseQuery("Observation", map[string][]string{"subject:Patient.name": {"smith"}}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := q.Parameters[0]
	if p.Name != "name" {
		t.Fatalf("terminal name = %q, want name", p.Name)
	}
	if len(p.Chain) != 1 || p.Chain[0].ReferenceParam != "subject" || p.Chain[0].TargetType != "Patient" {
		t.Fatalf("chain = %+v", p.Chain)
	}
}

func TestParseQuery_SystemParams(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{
		"_count": {"10"}, "_offset": {"20"}, "_sort": {"-birthdate,name"},
		"_total": {"accurate"}, "_elements": {"id,name"},
	}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Count != 10 || q.Offset != 20 {
		t.Fatalf("count=%d offset=%d", q.Count, q.Offset)
	}
	if len(q.Sort) != 2 || !q.Sort[0].Descending || q.Sort[0].Param != "birthdate" {
		t.Fatalf("sort = %+v", q.Sort)
	}
	if q.Total != TotalAccurate {
		t.Fatalf("total = %q", q.Total)
	}
	if len(q.Elements) != 2 {
		t.Fatalf("elements = %+v", q.Elements)
	}
}

func TestParseQuery_CountClampedToMax(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{"_count": {"9999"}}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Count != 200 {
		t.Fatalf("count = %d, want clamped to 200", q.Count)
	}
}

func TestParseQuery_IncludeAndRevInclude(t *testing.T) {
	q, err := ParseQuery("Observation", map[string][]string{
		"_include":    {"Observation:subject:Patient"},
		"_revinclude": {"Provenance:target:iterate"},
	}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.Includes) != 1 || q.Includes[0].TargetType != "Patient" {
		t.Fatalf("includes = %+v", q.Includes)
	}
	if len(q.RevIncludes) != 1 || !q.RevIncludes[0].Iterate {
		t.Fatalf("revincludes = %+v", q.RevIncludes)
	}
}

func TestParseQuery_HasDirective(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{
		"_has:Observation:patient:code": {"1234-5"},
	}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.ReverseChains) != 1 {
		t.Fatalf("reverse chains = %+v", q.ReverseChains)
	}
	rc := q.ReverseChains[0]
	if rc.SourceType != "Observation" || rc.ReferenceParam != "patient" || rc.SearchParam != "code" || rc.Value != "1234-5" {
		t.Fatalf("got %+v", rc)
	}
}

func TestParseQuery_NestedHasDirective(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{
		"_has:Observation:patient:_has:Provenance:target:agent": {"Practitioner/1"},
	}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rc := q.ReverseChains[0]
	if rc.SourceType != "Observation" || rc.Nested == nil {
		t.Fatalf("got %+v", rc)
	}
	if rc.Nested.SourceType != "Provenance" || rc.Nested.SearchParam != "agent" {
		t.Fatalf("nested = %+v", rc.Nested)
	}
}

func TestParseQuery_Filter(t *testing.T) {
	q, err := ParseQuery("Patient", map[string][]string{"_filter": {`name eq "smith"`}}, 50, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Filter == nil || q.Filter.Param != "name" {
		t.Fatalf("filter = %+v", q.Filter)
	}
}

func TestParseQuery_EmptyValueErrors(t *testing.T) {
	if _, err := ParseQuery("Patient", map[string][]string{"name": {""}}, 50, 200); err == nil {
		t.Fatal("expected error for empty value")
	}
}

func TestParseSearchValue_UnrecognizedPrefixTreatedAsLiteral(t *testing.T) {
	v := ParseSearchValue("xxsomething")
	if v.Prefix != PrefixEq || v.Value != "xxsomething" {
		t.Fatalf("got %+v", v)
	}
}
