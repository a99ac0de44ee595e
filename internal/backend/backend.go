package backend

import "context"

// Backend is the minimal shape every storage engine must implement to
// participate in composite routing: an identity, an advertised capability
// set, and a health probe. The actual operation contracts (CRUD, search,
// history, bulk export/submit) live in the storage/bundle/bulkexport/
// bulksubmit packages as narrower interfaces a concrete backend also
// satisfies — there is no shared abstract base beyond this
// identity+capability surface, so routing composes backends by capability
// rather than by a common operation interface.
type Backend interface {
	// ID returns the backend's unique identifier within a composite config.
	ID() string

	// BackendKind returns the storage substrate family.
	BackendKind() Kind

	// Capabilities returns the capability set this backend advertises.
	Capabilities() CapabilitySet

	// Ping checks backend reachability; used by router health tracking.
	Ping(ctx context.Context) error
}

// StaticCapabilities is an embeddable helper for backends whose capability
// set is fixed at construction time.
type StaticCapabilities struct {
	id   string
	kind Kind
	caps CapabilitySet
}

// NewStaticCapabilities builds a StaticCapabilities helper.
func NewStaticCapabilities(id string, kind Kind, caps CapabilitySet) StaticCapabilities {
	if caps == nil {
		caps = DefaultCapabilities(kind)
	}
	return StaticCapabilities{id: id, kind: kind, caps: caps}
}

func (s StaticCapabilities) ID() string                 { return s.id }
func (s StaticCapabilities) BackendKind() Kind           { return s.kind }
func (s StaticCapabilities) Capabilities() CapabilitySet { return s.caps }
