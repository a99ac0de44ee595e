// Package bulkexport implements the asynchronous bulk export engine: job
// lifecycle, patient/group compartment walks, NDJSON batch streaming and
// the completion manifest.
package bulkexport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/query"
	"github.com/fhircore/engine/internal/storage"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Level is the compartment scope of an export request.
type Level string

const (
	LevelSystem  Level = "system"
	LevelPatient Level = "patient"
	LevelGroup   Level = "group"
)

const ndjsonFormat = "application/fhir+ndjson"

// Request describes one $export kick-off.
type Request struct {
	Level         Level
	GroupID       string // required when Level == LevelGroup
	ResourceTypes []string
	Since         *time.Time
	OutputFormat  string
}

// OutputFile is one manifest entry.
type OutputFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// Manifest is emitted when a job reaches StatusComplete.
type Manifest struct {
	TransactionTime     time.Time    `json:"transaction_time"`
	Request             string       `json:"request"`
	RequiresAccessToken bool         `json:"requires_access_token"`
	Output              []OutputFile `json:"output"`
	Error               []OutputFile `json:"error,omitempty"`
	Message             string       `json:"message,omitempty"`
}

// Job is one bulk export job's full state.
type Job struct {
	ID              string
	Status          Status
	TenantID        string
	Request         Request
	TransactionTime time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	Manifest        *Manifest

	// ndjson holds the serialized output per resource type, keyed by
	// (type, part_index); a real deployment writes this to object storage
	// keyed by (job_id, type, part_index) instead of holding it in memory.
	ndjson map[string]map[int][]byte
	// cancel stops the job's running goroutine; nil once the job has
	// finished and there is nothing left to cancel.
	cancel context.CancelFunc
}

// BatchFetcher fetches one keyset-paginated export batch for a resource
// type, optionally scoped to a compartment's subject ids. Backends
// implement this over their native query/storage layer.
type BatchFetcher func(ctx context.Context, tenantID, resourceType string, subjectIDs []string, since *time.Time, cursor string) (lines [][]byte, nextCursor string, isLast bool, err error)

// Manager runs and tracks export jobs with a per-tenant concurrency cap.
type Manager struct {
	Store        storage.Protocol
	FetchBatch   BatchFetcher
	MaxPerTenant int // default 5 concurrent jobs per tenant

	mu             sync.RWMutex
	jobs           map[string]*Job
	activeByTenant map[string]int
}

// NewManager constructs a Manager. Store resolves Patient/Group
// compartment membership; FetchBatch streams each type's data.
func NewManager(store storage.Protocol, fetch BatchFetcher) *Manager {
	return &Manager{
		Store:          store,
		FetchBatch:     fetch,
		MaxPerTenant:   5,
		jobs:           make(map[string]*Job),
		activeByTenant: make(map[string]int),
	}
}

// StartExport kicks off a new job and returns immediately with it in
// StatusInProgress; the walk runs in its own goroutine against a context
// derived from ctx but cancellable independently via CancelJob, so a job
// outlives the request that started it and can still be stopped mid-flight.
func (m *Manager) StartExport(ctx context.Context, tenantID string, req Request) (*Job, error) {
	if req.OutputFormat == "" {
		req.OutputFormat = ndjsonFormat
	}
	if req.OutputFormat != ndjsonFormat {
		return nil, backend.New(backend.KindUnsupportedFormat, fmt.Sprintf("output format %q is not supported", req.OutputFormat))
	}
	if req.Level == LevelGroup && req.GroupID == "" {
		return nil, backend.InvalidParameter("group_id", "group export requires a group id")
	}
	if req.Level == LevelGroup {
		if _, err := m.Store.Read(ctx, tenantID, "Group", req.GroupID); err != nil {
			return nil, backend.New(backend.KindGroupNotFound, fmt.Sprintf("group %q not found", req.GroupID))
		}
	}

	m.mu.Lock()
	if m.MaxPerTenant > 0 && m.activeByTenant[tenantID] >= m.MaxPerTenant {
		m.mu.Unlock()
		return nil, backend.New(backend.KindTooManyConcurrent, fmt.Sprintf("tenant %q has reached the concurrent export limit", tenantID))
	}
	m.activeByTenant[tenantID]++
	m.mu.Unlock()

	jobCtx, cancel := context.WithCancel(detach(ctx))
	now := time.Now().UTC()
	job := &Job{
		ID:              uuid.New().String(),
		Status:          StatusInProgress,
		TenantID:        tenantID,
		Request:         req,
		TransactionTime: now,
		ndjson:          make(map[string]map[int][]byte),
		cancel:          cancel,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	snapshot := m.snapshot(job)
	m.mu.Unlock()

	go m.run(jobCtx, job)
	return snapshot, nil
}

func (m *Manager) run(ctx context.Context, job *Job) {
	defer func() {
		m.mu.Lock()
		m.activeByTenant[job.TenantID]--
		job.cancel = nil
		m.mu.Unlock()
	}()

	subjectIDs, err := m.resolveCompartment(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fail(job, err)
		return
	}

	resourceTypes := job.Request.ResourceTypes
	if len(resourceTypes) == 0 {
		resourceTypes = []string{"Patient", "Observation", "Condition", "Encounter", "MedicationRequest"}
	}

	var output, errOutput []OutputFile
	for _, rt := range resourceTypes {
		count, writeErr := m.exportType(ctx, job, rt, subjectIDs)
		if writeErr != nil {
			if ctx.Err() != nil {
				return
			}
			errOutput = append(errOutput, OutputFile{Type: rt, URL: dataURL(job.ID, rt), Count: 0})
			continue
		}
		output = append(output, OutputFile{Type: rt, URL: dataURL(job.ID, rt), Count: count})
	}

	completedAt := time.Now().UTC()
	manifest := &Manifest{
		TransactionTime:     job.TransactionTime,
		Request:             fmt.Sprintf("%s?_type=%s", job.Request.Level, joinTypes(resourceTypes)),
		RequiresAccessToken: false,
		Output:              output,
		Error:               errOutput,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent CancelJob may have already flipped Status; a cancelled
	// job's terminal state must stick, not get overwritten by a completion
	// that raced past the last ctx.Err() check.
	if job.Status == StatusCancelled {
		return
	}
	job.Status = StatusComplete
	job.CompletedAt = &completedAt
	job.Manifest = manifest
}

// detach strips ctx's cancellation and deadline while keeping its values, so
// a job keeps running after the request that started it returns; the job's
// own lifetime is governed solely by CancelJob.
func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ parent context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key any) any         { return d.parent.Value(key) }

// resolveCompartment returns the patient ids an export is scoped to, or
// nil for a system-level export (no scoping).
func (m *Manager) resolveCompartment(ctx context.Context, job *Job) ([]string, error) {
	switch job.Request.Level {
	case LevelSystem:
		return nil, nil
	case LevelPatient:
		ids, err := m.listPatientIDs(ctx, job.TenantID)
		return ids, err
	case LevelGroup:
		group, err := m.Store.Read(ctx, job.TenantID, "Group", job.Request.GroupID)
		if err != nil {
			return nil, backend.New(backend.KindGroupNotFound, fmt.Sprintf("group %q not found", job.Request.GroupID))
		}
		return extractGroupMemberIDs(group), nil
	default:
		return nil, backend.InvalidParameter("level", fmt.Sprintf("unknown export level %q", job.Request.Level))
	}
}

func (m *Manager) listPatientIDs(ctx context.Context, tenantID string) ([]string, error) {
	q := &query.SearchQuery{ResourceType: "Patient", Count: 1000}
	result, err := m.Store.Search(ctx, tenantID, q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(result.Resources))
	for _, r := range result.Resources {
		ids = append(ids, r.LogicalID)
	}
	return ids, nil
}

// exportType streams one resource type's keyset-paginated batches into the
// job's NDJSON buffer and returns the total resource count written.
func (m *Manager) exportType(ctx context.Context, job *Job, resourceType string, subjectIDs []string) (int, error) {
	if m.FetchBatch == nil {
		return 0, backend.New(backend.KindInternal, "no batch fetcher configured")
	}

	parts := make(map[int][]byte)
	cursor := ""
	part := 0
	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		default:
		}

		lines, next, isLast, err := m.FetchBatch(ctx, job.TenantID, resourceType, subjectIDs, job.Request.Since, cursor)
		if err != nil {
			return count, err
		}
		var buf bytes.Buffer
		for _, line := range lines {
			buf.Write(line)
			buf.WriteByte('\n')
			count++
		}
		parts[part] = buf.Bytes()
		part++
		if isLast {
			break
		}
		cursor = next
	}

	m.mu.Lock()
	job.ndjson[resourceType] = parts
	m.mu.Unlock()
	return count, nil
}

func (m *Manager) fail(job *Job, err error) {
	m.mu.Lock()
	job.Status = StatusFailed
	job.ErrorMessage = err.Error()
	m.mu.Unlock()
}

// GetStatus returns a snapshot of a job's current state.
func (m *Manager) GetStatus(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, backend.New(backend.KindJobNotFound, fmt.Sprintf("export job %q not found", jobID))
	}
	return m.snapshot(job), nil
}

func (m *Manager) snapshot(job *Job) *Job {
	cp := *job
	return &cp
}

// GetData returns the NDJSON bytes for one resource type and part index of
// a completed job.
func (m *Manager) GetData(jobID, resourceType string, partIndex int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, backend.New(backend.KindJobNotFound, fmt.Sprintf("export job %q not found", jobID))
	}
	if job.Status != StatusComplete {
		return nil, backend.New(backend.KindInvalidJobState, fmt.Sprintf("export job %q is %q, not complete", jobID, job.Status))
	}
	parts, ok := job.ndjson[resourceType]
	if !ok {
		return nil, backend.New(backend.KindNotFound, fmt.Sprintf("no output for type %q", resourceType))
	}
	return parts[partIndex], nil
}

// CancelJob transitions an in-progress job to cancelled and signals its
// running goroutine to stop at its next suspension point. Already-complete
// or already-failed jobs are left untouched.
func (m *Manager) CancelJob(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return backend.New(backend.KindJobNotFound, fmt.Sprintf("export job %q not found", jobID))
	}
	var cancel context.CancelFunc
	if job.Status == StatusInProgress || job.Status == StatusAccepted {
		job.Status = StatusCancelled
		cancel = job.cancel
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func dataURL(jobID, resourceType string) string {
	return fmt.Sprintf("/export/%s/%s", jobID, resourceType)
}

func joinTypes(types []string) string {
	out := ""
	for i, t := range types {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// extractGroupMemberIDs reads Group.member[].entity references whose
// target type is Patient.
func extractGroupMemberIDs(group *model.StoredResource) []string {
	var doc struct {
		Member []struct {
			Entity struct {
				Reference string `json:"reference"`
			} `json:"entity"`
		} `json:"member"`
	}
	if err := unmarshalContent(group, &doc); err != nil {
		return nil
	}
	var ids []string
	for _, m := range doc.Member {
		if typ, id, ok := cutRef(m.Entity.Reference); ok && typ == "Patient" {
			ids = append(ids, id)
		}
	}
	return ids
}

func cutRef(ref string) (typ, id string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

func unmarshalContent(r *model.StoredResource, out any) error {
	return json.Unmarshal(r.Content, out)
}
