// Package router implements the composite configuration and routing
// engine: backend/role/capability configuration, explicit routing rules,
// cost-ranked candidate selection, and sync/async/hybrid secondary
// propagation.
package router

import (
	"fmt"
	"time"

	"github.com/fhircore/engine/internal/analyzer"
	"github.com/fhircore/engine/internal/backend"
)

// BackendRole is the architectural role a backend plays in the composite.
type BackendRole string

const (
	RolePrimary     BackendRole = "primary"
	RoleSearch      BackendRole = "search"
	RoleGraph       BackendRole = "graph"
	RoleTerminology BackendRole = "terminology"
	RoleArchive     BackendRole = "archive"
)

// IsPrimary reports whether this role is the primary resource authority.
func (r BackendRole) IsPrimary() bool { return r == RolePrimary }

const defaultPriority = 100

// BackendEntry is one backend's configuration within the composite.
type BackendEntry struct {
	ID           string
	Role         BackendRole
	Kind         backend.Kind
	Connection   string
	Priority     int // lower is preferred on ties
	Enabled      bool
	Capabilities backend.CapabilitySet // explicit; empty means derive from Kind
	FailoverTo   string
	Options      map[string]any
}

// NewBackendEntry constructs an enabled entry with default priority.
func NewBackendEntry(id string, role BackendRole, kind backend.Kind) BackendEntry {
	return BackendEntry{ID: id, Role: role, Kind: kind, Priority: defaultPriority, Enabled: true, Options: map[string]any{}}
}

// EffectiveCapabilities returns the entry's explicit capabilities, or the
// default set for its storage kind when none were given.
func (b BackendEntry) EffectiveCapabilities() backend.CapabilitySet {
	if len(b.Capabilities) == 0 {
		return backend.DefaultCapabilities(b.Kind)
	}
	return b.Capabilities
}

// Supports reports whether this backend advertises a capability.
func (b BackendEntry) Supports(capability backend.Capability) bool {
	return b.EffectiveCapabilities().Has(capability)
}

// RoutingRule directs queries exhibiting certain features to a specific
// backend, overriding the default cost-ranked selection.
type RoutingRule struct {
	ID                string
	Triggers          []analyzer.Feature
	TargetBackend     string
	Priority          int // lower runs first among matching rules
	FallbackToPrimary bool
}

// NewRoutingRule constructs a rule with the default priority and fallback
// to the primary backend enabled.
func NewRoutingRule(id, targetBackend string) RoutingRule {
	return RoutingRule{ID: id, TargetBackend: targetBackend, Priority: defaultPriority, FallbackToPrimary: true}
}

// Matches reports whether any of the rule's trigger features are present
// in the given analysis.
func (r RoutingRule) Matches(a *analyzer.Analysis) bool {
	for _, f := range r.Triggers {
		if a.Features[f] {
			return true
		}
	}
	return false
}

// SyncMode controls how secondary backends are kept up to date with the
// primary's writes.
type SyncMode string

const (
	SyncSynchronous  SyncMode = "synchronous"
	SyncAsynchronous SyncMode = "asynchronous"
	SyncHybrid       SyncMode = "hybrid"
)

// RetryConfig bounds the outbox's retry/backoff behavior for async sync.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns conservative retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, BackoffMultiplier: 2.0}
}

// SyncConfig configures secondary-backend propagation.
type SyncConfig struct {
	Mode SyncMode
	// HybridSyncForSearch, when Mode is SyncHybrid, marks full-text/search
	// capabilities as synchronous while everything else stays async.
	HybridSyncForSearch bool
	MaxReadLagMS        uint64
	BatchSize           int
	Retry               RetryConfig
}

// DefaultSyncConfig returns async propagation with a 500ms max lag.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{Mode: SyncAsynchronous, MaxReadLagMS: 500, BatchSize: 100, Retry: DefaultRetryConfig()}
}

// CostWeights blends latency/resource/quality signals into one cost score.
// Router.rankByCost reads none of these weights; it ranks by BaseCosts
// and FeatureMultipliers only.
type CostWeights struct {
	Latency       float64
	ResourceUsage float64
	Quality       float64
}

// DefaultCostWeights returns the default latency/resource/quality blend.
func DefaultCostWeights() CostWeights {
	return CostWeights{Latency: 0.5, ResourceUsage: 0.3, Quality: 0.2}
}

// CostConfig parameterizes the router's cost-ranked candidate selection.
type CostConfig struct {
	BaseCosts          map[backend.Kind]float64
	FeatureMultipliers map[analyzer.Feature]float64
	Weights            CostWeights
}

// DefaultCostConfig returns benchmark-derived base costs and weights.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		BaseCosts: map[backend.Kind]float64{
			backend.KindRelational:  1.2,
			backend.KindObjectStore: 2.0,
			backend.KindSearchIndex: 0.8,
			backend.KindGraph:       1.5,
			backend.KindTerminology: 1.0,
		},
		FeatureMultipliers: map[analyzer.Feature]float64{
			analyzer.FeatureBasicSearch:       1.0,
			analyzer.FeatureChainedSearch:     3.0,
			analyzer.FeatureReverseChaining:   3.5,
			analyzer.FeatureFullTextSearch:    1.5,
			analyzer.FeatureTerminologySearch: 2.0,
		},
		Weights: DefaultCostWeights(),
	}
}

// HealthConfig configures backend health checks consumed by the pool/
// health-tracking layer that owns actual probing.
type HealthConfig struct {
	CheckInterval    time.Duration
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
}

// DefaultHealthConfig returns the default health-check thresholds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{CheckInterval: 30 * time.Second, Timeout: 5 * time.Second, FailureThreshold: 3, SuccessThreshold: 2}
}

// ConfigError is a validation failure that prevents a CompositeConfig from
// being built.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// CompositeConfig is the full multi-backend routing configuration.
type CompositeConfig struct {
	Backends     []BackendEntry
	RoutingRules []RoutingRule
	Sync         SyncConfig
	Cost         CostConfig
	Health       HealthConfig
}

// NewCompositeConfig returns an empty configuration with default
// sync/cost/health settings.
func NewCompositeConfig() *CompositeConfig {
	return &CompositeConfig{Sync: DefaultSyncConfig(), Cost: DefaultCostConfig(), Health: DefaultHealthConfig()}
}

// Primary returns the configuration's single enabled primary backend.
func (c *CompositeConfig) Primary() (BackendEntry, bool) {
	for _, b := range c.Backends {
		if b.Role.IsPrimary() && b.Enabled {
			return b, true
		}
	}
	return BackendEntry{}, false
}

// Secondaries returns all enabled non-primary backends.
func (c *CompositeConfig) Secondaries() []BackendEntry {
	var out []BackendEntry
	for _, b := range c.Backends {
		if !b.Role.IsPrimary() && b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// Backend looks up a configured backend by id.
func (c *CompositeConfig) Backend(id string) (BackendEntry, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendEntry{}, false
}

// BackendsWithCapability returns every enabled backend advertising capability.
func (c *CompositeConfig) BackendsWithCapability(capability backend.Capability) []BackendEntry {
	var out []BackendEntry
	for _, b := range c.Backends {
		if b.Enabled && b.Supports(capability) {
			out = append(out, b)
		}
	}
	return out
}

// Validate enforces exactly one primary backend, unique backend ids,
// resolvable failover references and resolvable routing rule targets. It
// returns non-fatal warnings (no secondaries configured, redundant
// full-text capability across secondary backends) alongside any fatal error.
func (c *CompositeConfig) Validate() ([]string, error) {
	var warnings []string

	primaries := 0
	seenIDs := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.Role.IsPrimary() && b.Enabled {
			primaries++
		}
		if seenIDs[b.ID] {
			return nil, &ConfigError{Message: fmt.Sprintf("duplicate backend id %q", b.ID)}
		}
		seenIDs[b.ID] = true
	}
	if primaries == 0 {
		return nil, &ConfigError{Message: "no primary backend configured: exactly one primary backend is required"}
	}
	if primaries > 1 {
		return nil, &ConfigError{Message: "multiple primary backends configured: only one primary is allowed"}
	}

	for _, b := range c.Backends {
		if b.FailoverTo == "" {
			continue
		}
		if _, ok := c.Backend(b.FailoverTo); !ok {
			return nil, &ConfigError{Message: fmt.Sprintf("backend %q references non-existent failover backend %q", b.ID, b.FailoverTo)}
		}
	}

	for _, rule := range c.RoutingRules {
		if _, ok := c.Backend(rule.TargetBackend); !ok {
			return nil, &ConfigError{Message: fmt.Sprintf("routing rule %q targets non-existent backend %q", rule.ID, rule.TargetBackend)}
		}
	}

	if len(c.Secondaries()) == 0 {
		warnings = append(warnings, "no secondary backends configured: using primary for all operations")
	}

	var fullText []BackendEntry
	for _, b := range c.Secondaries() {
		if b.Supports(backend.CapFullTextSearch) {
			fullText = append(fullText, b)
		}
	}
	if len(fullText) > 1 {
		ids := make([]string, len(fullText))
		for i, b := range fullText {
			ids[i] = b.ID
		}
		warnings = append(warnings, fmt.Sprintf("capability full_text_search is provided by multiple backends: %v", ids))
	}

	return warnings, nil
}

// ConfigBuilder fluently assembles a CompositeConfig.
type ConfigBuilder struct {
	cfg *CompositeConfig
}

// NewConfigBuilder starts a builder with default sync/cost/health settings.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: NewCompositeConfig()}
}

func (b *ConfigBuilder) WithBackend(entry BackendEntry) *ConfigBuilder {
	b.cfg.Backends = append(b.cfg.Backends, entry)
	return b
}

func (b *ConfigBuilder) Primary(id string, kind backend.Kind) *ConfigBuilder {
	return b.WithBackend(NewBackendEntry(id, RolePrimary, kind))
}

func (b *ConfigBuilder) SearchBackend(id string, kind backend.Kind) *ConfigBuilder {
	return b.WithBackend(NewBackendEntry(id, RoleSearch, kind))
}

func (b *ConfigBuilder) GraphBackend(id string, kind backend.Kind) *ConfigBuilder {
	return b.WithBackend(NewBackendEntry(id, RoleGraph, kind))
}

func (b *ConfigBuilder) TerminologyBackend(id string, kind backend.Kind) *ConfigBuilder {
	return b.WithBackend(NewBackendEntry(id, RoleTerminology, kind))
}

func (b *ConfigBuilder) WithRoutingRule(rule RoutingRule) *ConfigBuilder {
	b.cfg.RoutingRules = append(b.cfg.RoutingRules, rule)
	return b
}

func (b *ConfigBuilder) WithSyncConfig(sync SyncConfig) *ConfigBuilder {
	b.cfg.Sync = sync
	return b
}

func (b *ConfigBuilder) WithCostConfig(cost CostConfig) *ConfigBuilder {
	b.cfg.Cost = cost
	return b
}

func (b *ConfigBuilder) WithHealthConfig(health HealthConfig) *ConfigBuilder {
	b.cfg.Health = health
	return b
}

// Build validates and returns the assembled configuration, discarding
// warnings.
func (b *ConfigBuilder) Build() (*CompositeConfig, error) {
	cfg, _, err := b.BuildWithWarnings()
	return cfg, err
}

// BuildWithWarnings validates and returns the assembled configuration
// along with any non-fatal warnings.
func (b *ConfigBuilder) BuildWithWarnings() (*CompositeConfig, []string, error) {
	warnings, err := b.cfg.Validate()
	if err != nil {
		return nil, nil, err
	}
	return b.cfg, warnings, nil
}
