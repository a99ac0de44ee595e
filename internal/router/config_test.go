package router

import (
	"strings"
	"testing"

	"github.com/fhircore/engine/internal/backend"
)

func TestConfigBuilder_Minimal(t *testing.T) {
	cfg, warnings, err := NewConfigBuilder().
		Primary("pg", backend.KindRelational).
		BuildWithWarnings()
	if err != nil {
		t.Fatalf("BuildWithWarnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want 1 (no secondaries)", warnings)
	}
	primary, ok := cfg.Primary()
	if !ok || primary.ID != "pg" {
		t.Fatalf("Primary() = %+v, %v", primary, ok)
	}
}

func TestConfigBuilder_WithSecondaries(t *testing.T) {
	cfg, warnings, err := NewConfigBuilder().
		Primary("pg", backend.KindRelational).
		SearchBackend("es", backend.KindSearchIndex).
		GraphBackend("neo", backend.KindGraph).
		BuildWithWarnings()
	if err != nil {
		t.Fatalf("BuildWithWarnings: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	if len(cfg.Secondaries()) != 2 {
		t.Fatalf("Secondaries() = %d, want 2", len(cfg.Secondaries()))
	}
	es, ok := cfg.Backend("es")
	if !ok || !es.Supports(backend.CapFullTextSearch) {
		t.Fatalf("es backend should support full_text_search: %+v", es)
	}
}

func TestConfigValidation_NoPrimary(t *testing.T) {
	_, err := NewConfigBuilder().SearchBackend("es", backend.KindSearchIndex).Build()
	if err == nil {
		t.Fatal("expected validation error for missing primary")
	}
}

func TestConfigValidation_MultiplePrimaries(t *testing.T) {
	_, err := NewConfigBuilder().
		Primary("pg1", backend.KindRelational).
		Primary("pg2", backend.KindRelational).
		Build()
	if err == nil {
		t.Fatal("expected validation error for multiple primaries")
	}
}

func TestConfigValidation_DuplicateID(t *testing.T) {
	_, err := NewConfigBuilder().
		Primary("pg", backend.KindRelational).
		WithBackend(NewBackendEntry("pg", RoleSearch, backend.KindSearchIndex)).
		Build()
	if err == nil {
		t.Fatal("expected validation error for duplicate backend id")
	}
}

func TestConfigValidation_UnknownFailoverTarget(t *testing.T) {
	primary := NewBackendEntry("pg", RolePrimary, backend.KindRelational)
	primary.FailoverTo = "ghost"
	_, err := NewConfigBuilder().WithBackend(primary).Build()
	if err == nil {
		t.Fatal("expected validation error for unknown failover target")
	}
}

func TestConfigValidation_UnknownRoutingRuleTarget(t *testing.T) {
	_, err := NewConfigBuilder().
		Primary("pg", backend.KindRelational).
		WithRoutingRule(NewRoutingRule("rule-1", "ghost")).
		Build()
	if err == nil {
		t.Fatal("expected validation error for routing rule targeting unknown backend")
	}
}

func TestConfigValidation_RedundantFullTextWarning(t *testing.T) {
	_, warnings, err := NewConfigBuilder().
		Primary("pg", backend.KindRelational).
		SearchBackend("es1", backend.KindSearchIndex).
		SearchBackend("es2", backend.KindSearchIndex).
		BuildWithWarnings()
	if err != nil {
		t.Fatalf("BuildWithWarnings: %v", err)
	}
	found := false
	for _, w := range warnings {
		if strings.Contains(w, "full_text_search") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a full_text_search redundancy warning, got %v", warnings)
	}
}
