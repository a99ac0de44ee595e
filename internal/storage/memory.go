package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/searchparam"
)

// Memory is an in-process reference implementation of Protocol, built the
// way a simple repository-layer map store is built for unit tests. It is
// the engine's default test and demo backend: every write is held in
// memory, guarded by a single mutex, with no persistence across process
// restarts.
type Memory struct {
	backend.StaticCapabilities

	registry *searchparam.Registry
	eval     fhirpath.Evaluator

	mu        sync.RWMutex
	resources map[model.ResourceKey]*current
	history   map[model.ResourceKey][]model.StoredResource
	// systemOrder records every version write in system-wide insertion
	// order, so SystemHistory need not merge per-resource streams.
	systemOrder []model.StoredResource
}

type current struct {
	resource model.StoredResource
}

// NewMemory constructs an empty in-memory backend. registry resolves search
// parameter definitions for Search; eval evaluates the FHIRPath expressions
// those definitions carry.
func NewMemory(id string, registry *searchparam.Registry, eval fhirpath.Evaluator) *Memory {
	return &Memory{
		StaticCapabilities: backend.NewStaticCapabilities(id, backend.KindObjectStore, nil),
		registry:           registry,
		eval:               eval,
		resources:          make(map[model.ResourceKey]*current),
		history:            make(map[model.ResourceKey][]model.StoredResource),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Create(ctx context.Context, tenantID, resourceType string, content []byte, fhirVersion model.FHIRVersion) (*model.StoredResource, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return nil, backend.New(backend.KindInvalidResource, "content is not valid JSON")
	}
	id := probe.ID
	if id == "" {
		id = NewLogicalID()
	}
	key := model.ResourceKey{TenantID: tenantID, ResourceType: resourceType, LogicalID: id}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resources[key]; ok {
		return nil, backend.AlreadyExists(resourceType, id)
	}

	now := time.Now().UTC()
	res := model.StoredResource{
		ResourceType: resourceType,
		LogicalID:    id,
		TenantID:     tenantID,
		VersionID:    1,
		Content:      WithResourceIdentity(content, resourceType, id),
		CreatedAt:    now,
		LastModified: now,
		Method:       model.MethodCreate,
		FHIRVersion:  fhirVersion,
	}
	m.resources[key] = &current{resource: res}
	m.appendHistory(key, res)
	return CloneResource(&res), nil
}

func (m *Memory) Read(ctx context.Context, tenantID, resourceType, id string) (*model.StoredResource, error) {
	key := model.ResourceKey{TenantID: tenantID, ResourceType: resourceType, LogicalID: id}
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.resources[key]
	if !ok {
		return nil, backend.NotFound(resourceType, id)
	}
	if cur.resource.Deleted {
		return nil, backend.Gone(resourceType, id)
	}
	return CloneResource(&cur.resource), nil
}

func (m *Memory) Update(ctx context.Context, cur *model.StoredResource, newContent []byte) (*model.StoredResource, error) {
	return m.update(ctx, cur.TenantID, cur.ResourceType, cur.LogicalID, cur.VersionID, newContent)
}

func (m *Memory) UpdateWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID, newContent []byte) (*model.StoredResource, error) {
	return m.update(ctx, tenantID, resourceType, id, expectedVersion, newContent)
}

func (m *Memory) update(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID, newContent []byte) (*model.StoredResource, error) {
	key := model.ResourceKey{TenantID: tenantID, ResourceType: resourceType, LogicalID: id}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.resources[key]
	if !ok {
		return nil, backend.NotFound(resourceType, id)
	}
	if cur.resource.Deleted {
		return nil, backend.Gone(resourceType, id)
	}
	if cur.resource.VersionID != expectedVersion {
		return nil, backend.VersionConflict(expectedVersion.String(), cur.resource.VersionID.String())
	}

	now := time.Now().UTC()
	next := model.StoredResource{
		ResourceType: resourceType,
		LogicalID:    id,
		TenantID:     tenantID,
		VersionID:    cur.resource.VersionID + 1,
		Content:      WithResourceIdentity(newContent, resourceType, id),
		CreatedAt:    cur.resource.CreatedAt,
		LastModified: now,
		Method:       model.MethodUpdate,
		FHIRVersion:  cur.resource.FHIRVersion,
	}
	m.resources[key] = &current{resource: next}
	m.appendHistory(key, next)
	return CloneResource(&next), nil
}

func (m *Memory) Delete(ctx context.Context, tenantID, resourceType, id string) error {
	return m.delete(ctx, tenantID, resourceType, id, nil)
}

func (m *Memory) DeleteWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID) error {
	return m.delete(ctx, tenantID, resourceType, id, &expectedVersion)
}

func (m *Memory) delete(ctx context.Context, tenantID, resourceType, id string, expectedVersion *model.VersionID) error {
	key := model.ResourceKey{TenantID: tenantID, ResourceType: resourceType, LogicalID: id}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.resources[key]
	if !ok {
		return backend.NotFound(resourceType, id)
	}
	if cur.resource.Deleted {
		return backend.Gone(resourceType, id)
	}
	if expectedVersion != nil && cur.resource.VersionID != *expectedVersion {
		return backend.VersionConflict(expectedVersion.String(), cur.resource.VersionID.String())
	}

	now := time.Now().UTC()
	next := cur.resource
	next.VersionID = cur.resource.VersionID + 1
	next.LastModified = now
	next.Deleted = true
	next.DeletedAt = &now
	next.Method = model.MethodDelete
	m.resources[key] = &current{resource: next}
	m.appendHistory(key, next)
	return nil
}

func (m *Memory) Vread(ctx context.Context, tenantID, resourceType, id string, versionID model.VersionID) (*model.StoredResource, error) {
	key := model.ResourceKey{TenantID: tenantID, ResourceType: resourceType, LogicalID: id}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.history[key] {
		if v.VersionID == versionID {
			return CloneResource(&v), nil
		}
	}
	return nil, nil
}

func (m *Memory) ListVersions(ctx context.Context, tenantID, resourceType, id string) ([]model.VersionID, error) {
	key := model.ResourceKey{TenantID: tenantID, ResourceType: resourceType, LogicalID: id}
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := make([]model.VersionID, 0, len(m.history[key]))
	for _, v := range m.history[key] {
		versions = append(versions, v.VersionID)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (m *Memory) Count(ctx context.Context, tenantID, resourceType string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for key, cur := range m.resources {
		if key.TenantID != tenantID || cur.resource.Deleted {
			continue
		}
		if resourceType != "" && key.ResourceType != resourceType {
			continue
		}
		n++
	}
	return n, nil
}

func (m *Memory) appendHistory(key model.ResourceKey, res model.StoredResource) {
	m.history[key] = append(m.history[key], res)
	m.systemOrder = append(m.systemOrder, res)
}

// InstanceHistory, TypeHistory and SystemHistory all funnel through
// historyPage, which applies the common ordering and filter contract.
func (m *Memory) InstanceHistory(ctx context.Context, tenantID, resourceType, id string, filter HistoryFilter) (*HistoryPage, error) {
	key := model.ResourceKey{TenantID: tenantID, ResourceType: resourceType, LogicalID: id}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return historyPage(m.history[key], filter), nil
}

func (m *Memory) TypeHistory(ctx context.Context, tenantID, resourceType string, filter HistoryFilter) (*HistoryPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []model.StoredResource
	for key, versions := range m.history {
		if key.TenantID == tenantID && key.ResourceType == resourceType {
			entries = append(entries, versions...)
		}
	}
	return historyPage(entries, filter), nil
}

func (m *Memory) SystemHistory(ctx context.Context, tenantID string, filter HistoryFilter) (*HistoryPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var entries []model.StoredResource
	for _, v := range m.systemOrder {
		if v.TenantID == tenantID {
			entries = append(entries, v)
		}
	}
	return historyPage(entries, filter), nil
}

func historyPage(entries []model.StoredResource, filter HistoryFilter) *HistoryPage {
	filtered := make([]model.StoredResource, 0, len(entries))
	for _, e := range entries {
		if filter.Since != nil && e.LastModified.Format(time.RFC3339) < *filter.Since {
			continue
		}
		if filter.Before != nil && e.LastModified.Format(time.RFC3339) >= *filter.Before {
			continue
		}
		filtered = append(filtered, e)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if !filtered[i].LastModified.Equal(filtered[j].LastModified) {
			return filtered[i].LastModified.After(filtered[j].LastModified)
		}
		return filtered[i].LogicalID < filtered[j].LogicalID
	})

	count := filter.Count
	if count <= 0 {
		count = 50
	}
	hasMore := len(filtered) > count
	if hasMore {
		filtered = filtered[:count]
	}
	page := &HistoryPage{HasMore: hasMore}
	for _, e := range filtered {
		page.Entries = append(page.Entries, HistoryEntry{Resource: e, Method: e.Method})
	}
	return page
}

func CloneResource(r *model.StoredResource) *model.StoredResource {
	clone := *r
	if r.Content != nil {
		clone.Content = append(json.RawMessage(nil), r.Content...)
	}
	return &clone
}

func WithResourceIdentity(content []byte, resourceType, id string) json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(content, &m); err != nil {
		return content
	}
	typeJSON, _ := json.Marshal(resourceType)
	idJSON, _ := json.Marshal(id)
	m["resourceType"] = typeJSON
	m["id"] = idJSON
	out, err := json.Marshal(m)
	if err != nil {
		return content
	}
	return out
}

var idCounterMu sync.Mutex
var idCounter int64

// NewLogicalID mints a server-assigned logical id when a create request
// does not supply one. A simple monotone counter keeps the package
// dependency-free; Memory and Postgres both use it, and the counter
// restarts with each process.
func NewLogicalID() string {
	idCounterMu.Lock()
	defer idCounterMu.Unlock()
	idCounter++
	return "mem-" + strconv.FormatInt(idCounter, 10)
}
