package indexvalue

import (
	"encoding/json"
	"testing"

	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/searchparam"
)

func patient(t *testing.T, body string) *model.StoredResource {
	t.Helper()
	return &model.StoredResource{
		ResourceType: "Patient",
		LogicalID:    "p1",
		Content:      json.RawMessage(body),
	}
}

func TestExtract_String_HumanNameAndAddress(t *testing.T) {
	res := patient(t, `{
		"resourceType":"Patient","id":"p1",
		"name":[{"family":"Smith","given":["Jane","Q"]}],
		"address":[{"line":["1 Main St"],"city":"Springfield"}]
	}`)

	def := searchparam.Definition{Code: "name", Type: searchparam.TypeString, Expression: "name"}
	values, failures := Extract(res, def, fhirpath.Naive)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	want := []string{"smith", "jane", "q"}
	if len(values) != len(want) {
		t.Fatalf("got %d values, want %d: %+v", len(values), len(want), values)
	}
	for i, v := range values {
		if v.Str != want[i] {
			t.Errorf("value[%d] = %q, want %q", i, v.Str, want[i])
		}
	}

	addrDef := searchparam.Definition{Code: "address", Type: searchparam.TypeString, Expression: "address"}
	addrValues, addrFailures := Extract(res, addrDef, fhirpath.Naive)
	if len(addrFailures) != 0 {
		t.Fatalf("unexpected address failures: %v", addrFailures)
	}
	wantAddr := []string{"1 main st", "springfield"}
	if len(addrValues) != len(wantAddr) {
		t.Fatalf("got %d address values, want %d: %+v", len(addrValues), len(wantAddr), addrValues)
	}
	for i, v := range addrValues {
		if v.Str != wantAddr[i] {
			t.Errorf("address value[%d] = %q, want %q", i, v.Str, wantAddr[i])
		}
	}
}

func TestExtract_Token_CodeableConcept(t *testing.T) {
	res := patient(t, `{
		"resourceType":"Observation","id":"o1",
		"code":{"coding":[{"system":"http://loinc.org","code":"1234-5","display":"Test"}],"text":"Test Panel"}
	}`)
	res.ResourceType = "Observation"

	def := searchparam.Definition{Code: "code", Type: searchparam.TypeToken, Expression: "code"}
	values, failures := Extract(res, def, fhirpath.Naive)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(values) != 2 {
		t.Fatalf("got %d values, want 2 (coding + text)", len(values))
	}
	if values[0].Tok.System != "http://loinc.org" || values[0].Tok.Code != "1234-5" {
		t.Errorf("coding token = %+v", values[0].Tok)
	}
	if values[1].Tok.Display != "Test Panel" {
		t.Errorf("text token = %+v", values[1].Tok)
	}
}

func TestExtract_Date_Period(t *testing.T) {
	res := patient(t, `{"resourceType":"Encounter","id":"e1","period":{"start":"2020-01-01","end":"2020-01-05"}}`)
	res.ResourceType = "Encounter"

	def := searchparam.Definition{Code: "date", Type: searchparam.TypeDate, Expression: "period"}
	values, failures := Extract(res, def, fhirpath.Naive)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(values) != 2 {
		t.Fatalf("got %d values, want 2 (start + end)", len(values))
	}
	if values[0].Dt.Value != "2020-01-01" || values[1].Dt.Value != "2020-01-05" {
		t.Errorf("dates = %+v, %+v", values[0].Dt, values[1].Dt)
	}
}

func TestExtract_Reference_Relative(t *testing.T) {
	res := patient(t, `{"resourceType":"Observation","id":"o1","subject":{"reference":"Patient/p1"}}`)
	res.ResourceType = "Observation"

	def := searchparam.Definition{Code: "subject", Type: searchparam.TypeReference, Expression: "subject"}
	values, failures := Extract(res, def, fhirpath.Naive)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(values) != 1 {
		t.Fatalf("got %d values, want 1", len(values))
	}
	if values[0].Ref.ResourceType != "Patient" || values[0].Ref.ResourceID != "p1" {
		t.Errorf("reference = %+v", values[0].Ref)
	}
}

func TestExtract_Number_NonNumericFails(t *testing.T) {
	res := patient(t, `{"resourceType":"Observation","id":"o1","valueInteger":"not-a-number"}`)
	res.ResourceType = "Observation"

	def := searchparam.Definition{Code: "value", Type: searchparam.TypeNumber, Expression: "valueInteger"}
	_, failures := Extract(res, def, fhirpath.Naive)
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
}

func TestExtract_Quantity_DefaultsUnitToCode(t *testing.T) {
	res := patient(t, `{"resourceType":"Observation","id":"o1","valueQuantity":{"value":5,"system":"http://unitsofmeasure.org","code":"mg"}}`)
	res.ResourceType = "Observation"

	def := searchparam.Definition{Code: "value-quantity", Type: searchparam.TypeQuantity, Expression: "valueQuantity"}
	values, failures := Extract(res, def, fhirpath.Naive)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if values[0].Qty.Unit != "mg" {
		t.Errorf("Unit = %q, want %q (defaulted from code)", values[0].Qty.Unit, "mg")
	}
}

func TestExtract_Special_ID(t *testing.T) {
	res := patient(t, `{"resourceType":"Patient","id":"p1"}`)
	def := searchparam.Definition{Code: "_id", Type: searchparam.TypeSpecial}
	values, failures := Extract(res, def, fhirpath.Naive)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(values) != 1 || values[0].Tok.Code != "p1" {
		t.Fatalf("values = %+v", values)
	}
}
