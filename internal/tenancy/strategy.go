// Package tenancy implements the three tenant-isolation strategies: shared
// schema, schema per tenant, and database per tenant, sharing a common
// resolve/validate contract.
package tenancy

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// ResolutionKind identifies which isolation strategy produced a
// Resolution.
type ResolutionKind string

const (
	ResolutionShared   ResolutionKind = "shared"
	ResolutionSchema   ResolutionKind = "schema"
	ResolutionDatabase ResolutionKind = "database"
)

// Resolution is where a tenant's data lives under a given strategy.
type Resolution struct {
	Kind       ResolutionKind
	TenantID   string
	Schema     string // set for ResolutionSchema
	Connection string // set for ResolutionDatabase
}

// ValidationError reports a tenant id that a strategy refuses to serve.
type ValidationError struct {
	TenantID string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid tenant %q: %s", e.TenantID, e.Reason)
}

// Resolver is the shared contract every tenancy strategy implements.
type Resolver interface {
	// Resolve maps a tenant id to where its data lives.
	Resolve(tenantID string) Resolution
	// Validate reports whether a tenant id is acceptable under this
	// strategy's naming constraints.
	Validate(tenantID string) error
	// SystemTenant resolves the reserved tenant used for cross-tenant
	// administrative operations.
	SystemTenant() Resolution
}

const maxSanitizedLength = 63 // PostgreSQL identifier limit shared by schema and database names

// sanitizeTenantID substitutes hierarchy separators with underscores and
// falls back to a stable hash once the result would exceed maxLen.
func sanitizeTenantID(tenantID string, maxLen int) string {
	sanitized := strings.NewReplacer("/", "_", "-", "_").Replace(tenantID)
	if len(sanitized) > maxLen {
		return hashTenantID(tenantID)
	}
	return strings.ToLower(sanitized)
}

func hashTenantID(tenantID string) string {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	return fmt.Sprintf("t_%016x", h.Sum64())
}

// DefaultTenantIDPattern requires a letter followed by letters, digits or
// underscores.
const DefaultTenantIDPattern = `^[a-zA-Z][a-zA-Z0-9_]*$`

// SharedSchemaStrategy keeps every tenant's data in one schema,
// distinguished only by a tenant_id column filtered into every query.
// Resolve is a no-op lookup; isolation is enforced by the storage layer's
// query builder, not by this strategy.
type SharedSchemaStrategy struct {
	pattern      *regexp.Regexp
	systemTenant string
}

// NewSharedSchemaStrategy builds a strategy validating tenant ids against
// pattern (DefaultTenantIDPattern when empty).
func NewSharedSchemaStrategy(pattern, systemTenant string) (*SharedSchemaStrategy, error) {
	if pattern == "" {
		pattern = DefaultTenantIDPattern
	}
	if systemTenant == "" {
		systemTenant = "system"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &SharedSchemaStrategy{pattern: re, systemTenant: systemTenant}, nil
}

func (s *SharedSchemaStrategy) Resolve(tenantID string) Resolution {
	return Resolution{Kind: ResolutionShared, TenantID: tenantID}
}

func (s *SharedSchemaStrategy) Validate(tenantID string) error {
	base := firstSegment(tenantID)
	if !s.pattern.MatchString(base) {
		return &ValidationError{TenantID: tenantID, Reason: fmt.Sprintf("does not match required pattern %s", s.pattern.String())}
	}
	return nil
}

func (s *SharedSchemaStrategy) SystemTenant() Resolution {
	return Resolution{Kind: ResolutionShared, TenantID: s.systemTenant}
}

// firstSegment returns the portion of a hierarchical tenant id
// ("org/sub-org") before the first separator, used to validate only the
// top-level identifier against the naming pattern.
func firstSegment(tenantID string) string {
	for i := 0; i < len(tenantID); i++ {
		if tenantID[i] == '/' {
			return tenantID[:i]
		}
	}
	return tenantID
}

// SchemaPerTenantConfig configures SchemaPerTenantStrategy.
type SchemaPerTenantConfig struct {
	SchemaPrefix      string
	TenantIDPattern   string
	MaxTenantIDLength int
	SystemSchema      string
}

// DefaultSchemaPerTenantConfig returns the conventional `tenant_` prefix
// scheme with a 32-character tenant id ceiling.
func DefaultSchemaPerTenantConfig() SchemaPerTenantConfig {
	return SchemaPerTenantConfig{SchemaPrefix: "tenant_", TenantIDPattern: DefaultTenantIDPattern, MaxTenantIDLength: 32, SystemSchema: "public"}
}

// SchemaPerTenantStrategy maps each tenant to its own schema/namespace
// within one database.
type SchemaPerTenantStrategy struct {
	cfg     SchemaPerTenantConfig
	pattern *regexp.Regexp
}

// NewSchemaPerTenantStrategy builds a strategy from cfg.
func NewSchemaPerTenantStrategy(cfg SchemaPerTenantConfig) (*SchemaPerTenantStrategy, error) {
	if cfg.TenantIDPattern == "" {
		cfg.TenantIDPattern = DefaultTenantIDPattern
	}
	if cfg.SchemaPrefix == "" {
		cfg.SchemaPrefix = "tenant_"
	}
	if cfg.MaxTenantIDLength == 0 {
		cfg.MaxTenantIDLength = 32
	}
	if cfg.SystemSchema == "" {
		cfg.SystemSchema = "public"
	}
	re, err := regexp.Compile(cfg.TenantIDPattern)
	if err != nil {
		return nil, err
	}
	return &SchemaPerTenantStrategy{cfg: cfg, pattern: re}, nil
}

// SchemaName computes the schema identifier for a tenant id.
func (s *SchemaPerTenantStrategy) SchemaName(tenantID string) string {
	return s.cfg.SchemaPrefix + sanitizeTenantID(tenantID, s.cfg.MaxTenantIDLength)
}

func (s *SchemaPerTenantStrategy) Resolve(tenantID string) Resolution {
	return Resolution{Kind: ResolutionSchema, TenantID: tenantID, Schema: s.SchemaName(tenantID)}
}

func (s *SchemaPerTenantStrategy) Validate(tenantID string) error {
	base := firstSegment(tenantID)
	if !s.pattern.MatchString(base) {
		return &ValidationError{TenantID: tenantID, Reason: fmt.Sprintf("does not match required pattern %s", s.pattern.String())}
	}
	if len(s.SchemaName(tenantID)) > maxSanitizedLength {
		return &ValidationError{TenantID: tenantID, Reason: "sanitized schema name would exceed 63-character limit"}
	}
	return nil
}

func (s *SchemaPerTenantStrategy) SystemTenant() Resolution {
	return Resolution{Kind: ResolutionSchema, TenantID: "system", Schema: s.cfg.SystemSchema}
}
