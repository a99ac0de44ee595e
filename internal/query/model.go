// Package query models a parsed FHIR search query: parameters with
// modifiers/prefixes/chains, includes, reverse chains, sort, pagination,
// and the `_filter` expression AST.
package query

import "github.com/fhircore/engine/internal/searchparam"

// Prefix is a FHIR search value prefix for ordered comparisons.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

var validPrefixes = map[Prefix]bool{
	PrefixEq: true, PrefixNe: true, PrefixGt: true, PrefixLt: true,
	PrefixGe: true, PrefixLe: true, PrefixSa: true, PrefixEb: true, PrefixAp: true,
}

// Modifier is a FHIR search modifier.
type Modifier string

const (
	ModNone         Modifier = ""
	ModExact        Modifier = "exact"
	ModContains     Modifier = "contains"
	ModMissing      Modifier = "missing"
	ModText         Modifier = "text"
	ModIn           Modifier = "in"
	ModNotIn        Modifier = "not-in"
	ModAbove        Modifier = "above"
	ModBelow        Modifier = "below"
	ModIdentifier   Modifier = "identifier"
	ModOfType       Modifier = "of-type"
	ModCodeText     Modifier = "code-text"
	ModTextAdvanced Modifier = "text-advanced"
)

// TerminologyModifiers are the modifiers that require a terminology
// collaborator to evaluate.
var TerminologyModifiers = map[Modifier]bool{
	ModAbove: true, ModBelow: true, ModIn: true, ModNotIn: true,
}

// SearchValue is one OR-branch of a parameter's value list.
type SearchValue struct {
	Prefix Prefix
	Value  string
}

// ChainLink is a single hop of a chained parameter: `a.b` where `a` is the
// reference parameter and `b` (possibly itself chained) targets a resource
// of TargetType (if type-qualified, e.g. `subject:Patient.name`).
type ChainLink struct {
	ReferenceParam string
	TargetType     string // optional
}

// SearchParameter is one parsed query parameter: a name with optional
// modifier, an OR-combined value list, and an optional chain. Distinct
// SearchParameter entries within a SearchQuery are AND-combined; the
// Values within one entry are OR-combined.
type SearchParameter struct {
	Name      string
	ParamType searchparam.ParamType
	Modifier  Modifier
	Values    []SearchValue
	Chain     []ChainLink
	Components []string // composite component codes; ParseQuery leaves this empty
}

// ReverseChain models one level of `_has`. Nested `_has` wraps an inner
// ReverseChain; the innermost level carries SearchParam/Value.
type ReverseChain struct {
	SourceType     string
	ReferenceParam string
	SearchParam    string // set at the terminal (innermost) level
	Value          string // set at the terminal (innermost) level
	Nested         *ReverseChain
}

// IncludeDirective models `_include`/`_revinclude`.
type IncludeDirective struct {
	SourceType  string
	SearchParam string
	TargetType  string // optional
	Iterate     bool
}

// TotalMode controls whether/how a total count is computed.
type TotalMode string

const (
	TotalNone     TotalMode = "none"
	TotalEstimate TotalMode = "estimate"
	TotalAccurate TotalMode = "accurate"
)

// SortDirective is one `_sort` entry.
type SortDirective struct {
	Param      string
	Descending bool
}

// SearchQuery is the fully parsed representation of a search request
// against one resource type within one tenant.
type SearchQuery struct {
	ResourceType string
	Parameters   []SearchParameter
	ReverseChains []ReverseChain
	Includes     []IncludeDirective
	RevIncludes  []IncludeDirective
	Sort         []SortDirective
	Filter       *FilterExpr

	Count  int
	Offset int
	Cursor string

	Total   TotalMode
	Summary string
	Elements []string
}
