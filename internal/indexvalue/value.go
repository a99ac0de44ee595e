// Package indexvalue defines the IndexValue tagged union and the value
// converter / index extractor that projects a FHIR resource's search
// parameters into it.
package indexvalue

// Kind tags which variant an IndexValue holds.
type Kind string

const (
	KindString    Kind = "string"
	KindToken     Kind = "token"
	KindDate      Kind = "date"
	KindNumber    Kind = "number"
	KindQuantity  Kind = "quantity"
	KindReference Kind = "reference"
	KindURI       Kind = "uri"
)

// DatePrecision is the granularity a Date value was supplied at.
type DatePrecision string

const (
	PrecisionYear   DatePrecision = "year"
	PrecisionMonth  DatePrecision = "month"
	PrecisionDay    DatePrecision = "day"
	PrecisionSecond DatePrecision = "second"
	PrecisionMS     DatePrecision = "ms"
)

// Token is a coded value: system/code/display, plus optional identifier
// type coding carried separately.
type Token struct {
	System        string
	Code          string
	Display       string
	IDTypeSystem  string
	IDTypeCode    string
}

// Date is a point-in-time index value with the precision it was extracted
// at (a bare "2020" year is not the same search target as "2020-01-01").
type Date struct {
	Value     string // RFC3339 or date-only per Precision
	Precision DatePrecision
}

// Quantity is a measured value with optional unit/system/code.
type Quantity struct {
	Value  float64
	Unit   string
	System string
	Code   string
}

// Reference is a resolved (or partially resolved) resource reference.
type Reference struct {
	Reference    string
	ResourceType string
	ResourceID   string
}

// IndexValue is the tagged union produced by extraction. Exactly one of the
// typed fields is populated, selected by Kind.
type IndexValue struct {
	Kind Kind

	Str       string
	Tok       Token
	Dt        Date
	Num       float64
	Qty       Quantity
	Ref       Reference
	URI       string
}

func String(s string) IndexValue { return IndexValue{Kind: KindString, Str: s} }
func URI(s string) IndexValue    { return IndexValue{Kind: KindURI, URI: s} }
func Number(f float64) IndexValue { return IndexValue{Kind: KindNumber, Num: f} }

func TokenValue(t Token) IndexValue       { return IndexValue{Kind: KindToken, Tok: t} }
func DateValue(d Date) IndexValue         { return IndexValue{Kind: KindDate, Dt: d} }
func QuantityValue(q Quantity) IndexValue { return IndexValue{Kind: KindQuantity, Qty: q} }
func ReferenceValue(r Reference) IndexValue { return IndexValue{Kind: KindReference, Ref: r} }

// ConversionFailed reports a per-value extraction failure. Conversion
// failures are per-value, not per-resource: other values extracted from
// the same resource are unaffected.
type ConversionFailed struct {
	Param        string
	ExpectedType string
	ActualValue  any
}

func (e *ConversionFailed) Error() string {
	return "conversion failed for param " + e.Param
}
