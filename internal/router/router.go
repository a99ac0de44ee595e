package router

import (
	"fmt"
	"sort"

	"github.com/fhircore/engine/internal/analyzer"
	"github.com/fhircore/engine/internal/backend"
)

// MergeStrategy tells the executor how to combine a primary query's
// results with its auxiliary targets' results.
type MergeStrategy string

const (
	// MergeNone means the primary target alone answers the query.
	MergeNone MergeStrategy = "none"
	// MergeIntersect answers specialized-feature queries by intersecting
	// candidate resource ids (e.g. chained search narrows the primary's
	// candidates by a graph backend's lookup).
	MergeIntersect MergeStrategy = "intersect"
	// MergeUnion expands the primary's result set with related resources
	// pulled in by include/revinclude directives.
	MergeUnion MergeStrategy = "union"
	// MergeStream answers bulk-style operations as a streamed sequence of
	// backend fetches rather than a single merged set.
	MergeStream MergeStrategy = "stream"
)

// RoutingDecision is the outcome of routing one analyzed query: which
// backend answers the base query, which backends (if any) answer its
// specialized features, and how to combine their results.
type RoutingDecision struct {
	PrimaryTarget    string
	AuxiliaryTargets map[analyzer.Feature]string
	MergeStrategy    MergeStrategy
}

// Router selects backends for analyzed queries against a CompositeConfig.
type Router struct {
	Config *CompositeConfig
}

// New constructs a Router bound to a validated composite configuration.
func New(cfg *CompositeConfig) *Router {
	return &Router{Config: cfg}
}

// Route decides which backend(s) answer an analyzed query: explicit
// routing rules are tried first per specialized feature, falling back to
// cost-ranked candidate selection among backends advertising the
// feature's required capability.
func (r *Router) Route(a *analyzer.Analysis) (*RoutingDecision, error) {
	primary, ok := r.Config.Primary()
	if !ok {
		return nil, &ConfigError{Message: "no primary backend configured"}
	}

	decision := &RoutingDecision{
		PrimaryTarget:    primary.ID,
		AuxiliaryTargets: make(map[analyzer.Feature]string),
		MergeStrategy:    MergeNone,
	}

	for feature := range a.SpecializedFeatures {
		target, err := r.resolveFeatureTarget(a, feature, primary)
		if err != nil {
			return nil, err
		}
		if target != primary.ID {
			decision.AuxiliaryTargets[feature] = target
		}
	}

	decision.MergeStrategy = mergeStrategyFor(a, decision)
	return decision, nil
}

// resolveFeatureTarget picks the backend that answers one specialized
// feature: an explicit routing rule wins first, then cost-ranked
// candidate selection among backends supporting the feature's required
// capability, falling back to the primary if nothing else qualifies.
func (r *Router) resolveFeatureTarget(a *analyzer.Analysis, feature analyzer.Feature, primary BackendEntry) (string, error) {
	if rule, ok := r.matchingRule(a, feature); ok {
		if target, ok := r.Config.Backend(rule.TargetBackend); ok && target.Enabled {
			return target.ID, nil
		}
		if rule.FallbackToPrimary {
			return primary.ID, nil
		}
		return "", &ConfigError{Message: fmt.Sprintf("routing rule %q target backend is disabled and fallback_to_primary is false", rule.ID)}
	}

	capability, ok := requiredCapabilityFor(feature)
	if !ok {
		return primary.ID, nil
	}
	candidates := r.Config.BackendsWithCapability(capability)
	if len(candidates) == 0 {
		return primary.ID, nil
	}

	best := r.rankByCost(a, candidates)
	return best.ID, nil
}

// matchingRule finds the lowest-priority (then earliest-declared) routing
// rule whose triggers include the given feature and that is present in
// the analysis.
func (r *Router) matchingRule(a *analyzer.Analysis, feature analyzer.Feature) (RoutingRule, bool) {
	var best *RoutingRule
	for i := range r.Config.RoutingRules {
		rule := &r.Config.RoutingRules[i]
		triggered := false
		for _, t := range rule.Triggers {
			if t == feature && a.Features[feature] {
				triggered = true
				break
			}
		}
		if !triggered {
			continue
		}
		if best == nil || rule.Priority < best.Priority {
			best = rule
		}
	}
	if best == nil {
		return RoutingRule{}, false
	}
	return *best, true
}

// rankByCost orders candidates by ascending cost = base_cost[kind] ×
// Π(feature_multiplier for every feature present in the query), breaking
// ties by declared priority then by backend id, and returns the winner.
func (r *Router) rankByCost(a *analyzer.Analysis, candidates []BackendEntry) BackendEntry {
	costOf := func(b BackendEntry) float64 {
		cost := r.Config.Cost.BaseCosts[b.Kind]
		if cost == 0 {
			cost = 1.0
		}
		for feature, present := range a.Features {
			if !present {
				continue
			}
			if mult, ok := r.Config.Cost.FeatureMultipliers[feature]; ok {
				cost *= mult
			}
		}
		return cost
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci, cj := costOf(candidates[i]), costOf(candidates[j])
		if ci != cj {
			return ci < cj
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// requiredCapabilityFor maps a specialized feature to the capability a
// backend must advertise to serve it.
func requiredCapabilityFor(f analyzer.Feature) (backend.Capability, bool) {
	switch f {
	case analyzer.FeatureChainedSearch:
		return backend.CapChainedSearch, true
	case analyzer.FeatureReverseChaining:
		return backend.CapReverseChaining, true
	case analyzer.FeatureFullTextSearch:
		return backend.CapFullTextSearch, true
	case analyzer.FeatureTerminologySearch:
		return backend.CapTerminologySearch, true
	default:
		return "", false
	}
}

// mergeStrategyFor picks how to combine primary and auxiliary results:
// unioned when the query pulls in related resources via include/
// revinclude, intersected when a specialized feature narrowed the
// candidate set on a different backend, otherwise no merge is needed.
func mergeStrategyFor(a *analyzer.Analysis, decision *RoutingDecision) MergeStrategy {
	if a.HasIncludes() {
		return MergeUnion
	}
	if len(decision.AuxiliaryTargets) > 0 {
		return MergeIntersect
	}
	return MergeNone
}
