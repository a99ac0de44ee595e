// Package backend defines the capability matrix every storage backend
// advertises, the dispatch-table interface backends implement, and the
// error taxonomy shared across the engine.
package backend

// Capability is a single feature a backend can advertise support for.
type Capability string

const (
	CapCrud               Capability = "crud"
	CapVersioning         Capability = "versioning"
	CapInstanceHistory    Capability = "instance_history"
	CapTypeHistory        Capability = "type_history"
	CapSystemHistory      Capability = "system_history"
	CapBasicSearch        Capability = "basic_search"
	CapDateSearch         Capability = "date_search"
	CapQuantitySearch     Capability = "quantity_search"
	CapReferenceSearch    Capability = "reference_search"
	CapChainedSearch      Capability = "chained_search"
	CapReverseChaining    Capability = "reverse_chaining"
	CapInclude            Capability = "include"
	CapRevinclude         Capability = "revinclude"
	CapFullTextSearch     Capability = "full_text_search"
	CapTerminologySearch  Capability = "terminology_search"
	CapTransactions       Capability = "transactions"
	CapOptimisticLocking  Capability = "optimistic_locking"
	CapCursorPagination   Capability = "cursor_pagination"
	CapOffsetPagination   Capability = "offset_pagination"
	CapSorting            Capability = "sorting"
	CapBulkExport         Capability = "bulk_export"
	CapTenancySharedDB    Capability = "tenancy_shared_db"
	CapTenancySchemaPer   Capability = "tenancy_schema_per_tenant"
	CapTenancyDBPerTenant Capability = "tenancy_db_per_tenant"
)

// Kind identifies the storage substrate family of a backend, used to
// compute base routing cost and default capabilities.
type Kind string

const (
	KindRelational Kind = "relational"
	KindObjectStore Kind = "object_store"
	KindSearchIndex Kind = "search_index"
	KindGraph       Kind = "graph"
	KindTerminology Kind = "terminology"
)

// CapabilitySet is an unordered collection of capabilities with set
// operations used by the analyzer and router.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// HasAll reports whether the set contains every one of the given
// capabilities.
func (s CapabilitySet) HasAll(caps ...Capability) bool {
	for _, c := range caps {
		if !s[c] {
			return false
		}
	}
	return true
}

// Slice renders the set as a deterministic, sorted slice for logging/tests.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	// Simple insertion sort: capability lists are small (<30 entries).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// DefaultCapabilities returns the typical capability set for a backend kind,
// used when a composite-config entry does not list capabilities explicitly.
func DefaultCapabilities(kind Kind) CapabilitySet {
	switch kind {
	case KindRelational:
		return NewCapabilitySet(
			CapCrud, CapVersioning, CapInstanceHistory, CapTypeHistory, CapSystemHistory,
			CapBasicSearch, CapDateSearch, CapQuantitySearch, CapReferenceSearch,
			CapChainedSearch, CapReverseChaining, CapInclude, CapRevinclude,
			CapFullTextSearch, CapTransactions, CapOptimisticLocking,
			CapCursorPagination, CapOffsetPagination, CapSorting,
			CapBulkExport, CapTenancySharedDB, CapTenancySchemaPer, CapTenancyDBPerTenant,
		)
	case KindObjectStore:
		return NewCapabilitySet(
			CapCrud, CapVersioning, CapInstanceHistory, CapTypeHistory, CapSystemHistory,
			CapBasicSearch, CapOptimisticLocking, CapCursorPagination, CapSorting,
			CapBulkExport, CapTenancySharedDB,
		)
	case KindSearchIndex:
		return NewCapabilitySet(
			CapBasicSearch, CapDateSearch, CapQuantitySearch, CapReferenceSearch,
			CapFullTextSearch, CapSorting, CapCursorPagination, CapOffsetPagination,
		)
	case KindGraph:
		return NewCapabilitySet(
			CapBasicSearch, CapReferenceSearch, CapChainedSearch, CapReverseChaining,
			CapSorting, CapCursorPagination,
		)
	case KindTerminology:
		return NewCapabilitySet(CapTerminologySearch, CapBasicSearch)
	default:
		return CapabilitySet{}
	}
}
