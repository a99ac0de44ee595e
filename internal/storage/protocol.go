// Package storage defines the versioned storage protocol and its reference
// implementations: an in-process map backend for tests and a pgx-backed
// relational backend for production use.
package storage

import (
	"context"

	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/query"
)

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	Since          *string
	Before         *string
	IncludeDeleted bool
	Count          int
	Cursor         string
}

// HistoryEntry is one version record in an instance/type/system history
// stream.
type HistoryEntry struct {
	Resource model.StoredResource
	Method   model.WriteMethod
}

// HistoryPage is one page of a history stream, ordered
// (timestamp desc, resource_id asc).
type HistoryPage struct {
	Entries    []HistoryEntry
	NextCursor string
	HasMore    bool
}

// SearchResult is one page of a search operation, carrying resolved
// resources rather than bare ids so callers do not need a second round
// trip for the common case.
type SearchResult struct {
	Resources []model.StoredResource
	Page      query.Page
}

// Protocol is the full versioned CRUD + history + search contract every
// storage backend implements. It composes the narrower interfaces below so
// a backend can be referenced either in full or by the specific capability
// a caller needs.
type Protocol interface {
	CRUD
	Versioned
	Historian
	Searcher
	Counter
}

// CRUD is the basic create/read/update/delete contract, all scoped to
// (tenant, resource_type, id).
type CRUD interface {
	// Create stores a new resource. If content carries a client-supplied
	// id that already names a live or tombstoned resource, it fails with
	// backend.KindAlreadyExists.
	Create(ctx context.Context, tenantID, resourceType string, content []byte, fhirVersion model.FHIRVersion) (*model.StoredResource, error)

	// Read returns the current version of a resource. A tombstoned
	// resource fails with backend.KindGone, one that never existed with
	// backend.KindNotFound.
	Read(ctx context.Context, tenantID, resourceType, id string) (*model.StoredResource, error)

	// Update performs a compare-and-swap keyed on current.VersionID,
	// writing newContent as the next version. Fails
	// backend.KindVersionConflict if the stored version has moved.
	Update(ctx context.Context, current *model.StoredResource, newContent []byte) (*model.StoredResource, error)

	// UpdateWithMatch is Update addressed by id and an expected version
	// read off an If-Match header, normalizing weak-ETag markers before
	// comparison.
	UpdateWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID, newContent []byte) (*model.StoredResource, error)

	// Delete writes a tombstone version. Returns backend.KindNotFound if
	// the resource never existed, backend.KindGone if already deleted.
	Delete(ctx context.Context, tenantID, resourceType, id string) error

	// DeleteWithMatch is Delete with the same CAS semantics as
	// UpdateWithMatch.
	DeleteWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID) error
}

// Versioned exposes point-in-time reads of historical versions.
type Versioned interface {
	// Vread returns the exact historical version, or nil if no such
	// version was ever written.
	Vread(ctx context.Context, tenantID, resourceType, id string, versionID model.VersionID) (*model.StoredResource, error)

	// ListVersions returns every version id ever written for a resource,
	// sorted ascending.
	ListVersions(ctx context.Context, tenantID, resourceType, id string) ([]model.VersionID, error)
}

// Historian exposes the three history views: instance, type, and system.
type Historian interface {
	InstanceHistory(ctx context.Context, tenantID, resourceType, id string, filter HistoryFilter) (*HistoryPage, error)
	TypeHistory(ctx context.Context, tenantID, resourceType string, filter HistoryFilter) (*HistoryPage, error)
	SystemHistory(ctx context.Context, tenantID string, filter HistoryFilter) (*HistoryPage, error)
}

// Searcher executes a parsed SearchQuery against the backend's native
// query language.
type Searcher interface {
	Search(ctx context.Context, tenantID string, q *query.SearchQuery) (*SearchResult, error)
}

// Counter reports the live (non-deleted) resource count, optionally scoped
// to one resource type.
type Counter interface {
	Count(ctx context.Context, tenantID, resourceType string) (int64, error)
}
