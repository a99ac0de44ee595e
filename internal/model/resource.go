// Package model defines the core resource envelope and tenant identity
// types shared by every storage backend.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// FHIRVersion designates a supported FHIR release.
type FHIRVersion string

const (
	FHIRVersionR4  FHIRVersion = "4.0.1"
	FHIRVersionR4B FHIRVersion = "4.3.0"
	FHIRVersionR5  FHIRVersion = "5.0.0"
)

// WriteMethod is the operation that produced a resource version.
type WriteMethod string

const (
	MethodCreate WriteMethod = "create"
	MethodUpdate WriteMethod = "update"
	MethodPatch  WriteMethod = "patch"
	MethodDelete WriteMethod = "delete"
)

// VersionID is an opaque, monotonically increasing token. Reference backends
// use plain integers so it sorts meaningfully for compare-and-swap, but the
// protocol treats it as an opaque string wire value.
type VersionID int64

// String renders the version id the way it appears in ETags and history
// entries ("W/\"<n>\"" is stripped by callers before reaching this layer).
func (v VersionID) String() string {
	return fmt.Sprintf("%d", int64(v))
}

// ResourceKey uniquely identifies a resource across all of its versions.
type ResourceKey struct {
	TenantID     string
	ResourceType string
	LogicalID    string
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.ResourceType, k.LogicalID)
}

// StoredResource is the envelope around a FHIR resource document, carrying
// the tenancy, versioning and lifecycle metadata every backend needs
// alongside the raw content.
type StoredResource struct {
	ResourceType string          `json:"resourceType"`
	LogicalID    string          `json:"id"`
	TenantID     string          `json:"-"`
	VersionID    VersionID       `json:"-"`
	Content      json.RawMessage `json:"-"`
	CreatedAt    time.Time       `json:"-"`
	LastModified time.Time       `json:"-"`
	Deleted      bool            `json:"-"`
	DeletedAt    *time.Time      `json:"-"`
	Method       WriteMethod     `json:"-"`
	FHIRVersion  FHIRVersion     `json:"-"`
}

// Key returns the resource's identity tuple.
func (r *StoredResource) Key() ResourceKey {
	return ResourceKey{TenantID: r.TenantID, ResourceType: r.ResourceType, LogicalID: r.LogicalID}
}

// ETag renders the strong ETag for this version, e.g. `"3"`.
func (r *StoredResource) ETag() string {
	return fmt.Sprintf(`"%d"`, int64(r.VersionID))
}

// Validate checks that the content's declared resourceType/id matches the
// envelope, unless the resource is a tombstone (content may be the last
// non-deleted payload).
func (r *StoredResource) Validate() error {
	if r.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if r.LogicalID == "" {
		return fmt.Errorf("logical id is required")
	}
	if len(r.Content) == 0 {
		return nil
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(r.Content, &probe); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	if probe.ResourceType != "" && probe.ResourceType != r.ResourceType {
		return fmt.Errorf("content.resourceType %q does not match envelope resourceType %q", probe.ResourceType, r.ResourceType)
	}
	if probe.ID != "" && probe.ID != r.LogicalID {
		return fmt.Errorf("content.id %q does not match envelope id %q", probe.ID, r.LogicalID)
	}
	return nil
}

// TenantContext carries the resolved tenant identity and permission set for
// a request. It is injected by callers; the engine never constructs one
// implicitly.
type TenantContext struct {
	TenantID    string
	Permissions []string
}

// HasPermission reports whether the tenant context grants the named
// permission.
func (t TenantContext) HasPermission(name string) bool {
	for _, p := range t.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// SystemTenant is the reserved tenant id used for system-level operations
// that are not scoped to an end-tenant (e.g. registry seeding).
const SystemTenant = "__system__"
