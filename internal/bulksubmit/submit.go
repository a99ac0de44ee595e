// Package bulksubmit implements the idempotent bulk submission engine:
// NDJSON ingestion keyed by (submitter, submission_id), a per-entry
// outcome pipeline, a change log and reverse-order rollback.
package bulksubmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/storage"
)

// Outcome is the per-entry result recorded in a submission's results.
type Outcome string

const (
	OutcomeCreated         Outcome = "created"
	OutcomeUpdated         Outcome = "updated"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeValidationError Outcome = "validation_error"
)

// ChangeType distinguishes the two kinds of reversible writes a submission
// can make.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
)

// Change is one reversible write recorded during submission processing, in
// application order.
type Change struct {
	Type             ChangeType
	ResourceType     string
	ResourceID       string
	PreviousVersion  model.VersionID
	PreviousContent  json.RawMessage
	HadPreviousVersion bool
}

// NdjsonEntry is one line of a submission manifest.
type NdjsonEntry struct {
	LineNumber   int
	ResourceType string
	ResourceID   string
	Resource     json.RawMessage
}

// EntryResult is the per-entry pipeline outcome.
type EntryResult struct {
	LineNumber int
	Outcome    Outcome
	ResourceID string
	Message    string
}

// Options configures a submission's entry pipeline.
type Options struct {
	BatchSize       int
	MaxErrors       int
	ContinueOnError bool
	AllowUpdates    bool
}

// DefaultOptions returns conservative defaults: no update promotion, stop
// on the first error.
func DefaultOptions() Options {
	return Options{BatchSize: 500, MaxErrors: 0, ContinueOnError: false, AllowUpdates: false}
}

// Submission is one (submitter, submission_id) ingestion run.
type Submission struct {
	Submitter    string
	SubmissionID string
	Options      Options
	Results      []EntryResult
	Changes      []Change
	ErrorCount   int
	Aborted      bool
	MaxErrorsHit bool
}

// Manager tracks submissions and enforces idempotency on
// (submitter, submission_id).
type Manager struct {
	Store storage.Protocol

	mu          sync.Mutex
	submissions map[string]*Submission
}

// NewManager constructs a Manager bound to a storage backend.
func NewManager(store storage.Protocol) *Manager {
	return &Manager{Store: store, submissions: make(map[string]*Submission)}
}

func key(submitter, submissionID string) string {
	return submitter + "\x00" + submissionID
}

// Begin registers a new submission. A repeat (submitter, submission_id)
// pair fails with backend.KindDuplicateSubmission.
func (m *Manager) Begin(submitter, submissionID string, opts Options) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(submitter, submissionID)
	if _, exists := m.submissions[k]; exists {
		return nil, backend.New(backend.KindDuplicateSubmission, fmt.Sprintf("submission %q already exists for submitter %q", submissionID, submitter))
	}
	sub := &Submission{Submitter: submitter, SubmissionID: submissionID, Options: opts}
	m.submissions[k] = sub
	return sub, nil
}

// Get returns a previously begun submission.
func (m *Manager) Get(submitter, submissionID string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[key(submitter, submissionID)]
	if !ok {
		return nil, backend.New(backend.KindSubmissionNotFound, fmt.Sprintf("submission %q not found for submitter %q", submissionID, submitter))
	}
	return sub, nil
}

// ParseNDJSON splits an NDJSON manifest into entries, tagging each with its
// 1-based line number. Malformed lines are reported as a synthetic entry
// carrying no resource type, surfaced as a validation_error outcome by
// ProcessManifest rather than aborting the parse.
func ParseNDJSON(data []byte) []NdjsonEntry {
	var entries []NdjsonEntry
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		lineNo := i + 1
		var probe struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		if err := json.Unmarshal(trimmed, &probe); err != nil || !json.Valid(trimmed) {
			entries = append(entries, NdjsonEntry{LineNumber: lineNo, Resource: json.RawMessage(trimmed)})
			continue
		}
		entries = append(entries, NdjsonEntry{
			LineNumber:   lineNo,
			ResourceType: probe.ResourceType,
			ResourceID:   probe.ID,
			Resource:     json.RawMessage(trimmed),
		})
	}
	return entries
}

// ProcessManifest runs one batch of entries against a submission's
// resource-type expectation. expectedType is the manifest's declared
// resource type; entries whose parsed type disagrees fail validation.
func (m *Manager) ProcessManifest(ctx context.Context, sub *Submission, tenantID, expectedType string, entries []NdjsonEntry) error {
	for _, entry := range entries {
		if sub.Options.MaxErrors > 0 && sub.ErrorCount >= sub.Options.MaxErrors {
			if !sub.Options.ContinueOnError {
				sub.Aborted = true
				sub.MaxErrorsHit = true
				return backend.New(backend.KindMaxErrorsExceeded, fmt.Sprintf("submission %q exceeded max_errors=%d", sub.SubmissionID, sub.Options.MaxErrors))
			}
			sub.Results = append(sub.Results, EntryResult{
				LineNumber: entry.LineNumber,
				Outcome:    OutcomeSkipped,
				Message:    fmt.Sprintf("skipped: max_errors=%d reached", sub.Options.MaxErrors),
			})
			continue
		}

		result, change, err := m.processEntry(ctx, tenantID, expectedType, entry, sub.Options.AllowUpdates)
		if err != nil {
			sub.ErrorCount++
			sub.Results = append(sub.Results, EntryResult{LineNumber: entry.LineNumber, Outcome: OutcomeValidationError, Message: err.Error()})
			if !sub.Options.ContinueOnError && sub.Options.MaxErrors > 0 && sub.ErrorCount >= sub.Options.MaxErrors {
				sub.Aborted = true
				sub.MaxErrorsHit = true
				return backend.New(backend.KindMaxErrorsExceeded, fmt.Sprintf("submission %q exceeded max_errors=%d", sub.SubmissionID, sub.Options.MaxErrors))
			}
			if !sub.Options.ContinueOnError {
				sub.Aborted = true
				return err
			}
			continue
		}
		sub.Results = append(sub.Results, result)
		if change != nil {
			sub.Changes = append(sub.Changes, *change)
		}
	}
	return nil
}

// processEntry runs the four-step pipeline for one NDJSON line.
func (m *Manager) processEntry(ctx context.Context, tenantID, expectedType string, entry NdjsonEntry, allowUpdates bool) (EntryResult, *Change, error) {
	if entry.ResourceType == "" {
		return EntryResult{}, nil, fmt.Errorf("line %d: invalid JSON or missing resourceType", entry.LineNumber)
	}
	if entry.ResourceType != expectedType {
		return EntryResult{}, nil, fmt.Errorf("line %d: resourceType %q does not match manifest type %q", entry.LineNumber, entry.ResourceType, expectedType)
	}

	if entry.ResourceID != "" {
		existing, err := m.Store.Read(ctx, tenantID, entry.ResourceType, entry.ResourceID)
		if err == nil && !existing.Deleted {
			if !allowUpdates {
				return EntryResult{LineNumber: entry.LineNumber, Outcome: OutcomeSkipped, ResourceID: entry.ResourceID}, nil, nil
			}
			previousContent := append(json.RawMessage(nil), existing.Content...)
			updated, updateErr := m.Store.Update(ctx, existing, entry.Resource)
			if updateErr != nil {
				return EntryResult{}, nil, fmt.Errorf("line %d: update failed: %w", entry.LineNumber, updateErr)
			}
			change := &Change{
				Type:               ChangeUpdate,
				ResourceType:       entry.ResourceType,
				ResourceID:         entry.ResourceID,
				PreviousVersion:    existing.VersionID,
				PreviousContent:    previousContent,
				HadPreviousVersion: true,
			}
			return EntryResult{LineNumber: entry.LineNumber, Outcome: OutcomeUpdated, ResourceID: updated.LogicalID}, change, nil
		}
	}

	created, err := m.Store.Create(ctx, tenantID, entry.ResourceType, entry.Resource, model.FHIRVersionR4)
	if err != nil {
		return EntryResult{}, nil, fmt.Errorf("line %d: create failed: %w", entry.LineNumber, err)
	}
	change := &Change{Type: ChangeCreate, ResourceType: entry.ResourceType, ResourceID: created.LogicalID}
	return EntryResult{LineNumber: entry.LineNumber, Outcome: OutcomeCreated, ResourceID: created.LogicalID}, change, nil
}

// Rollback reverses a submission's recorded changes in reverse order: a
// Create unwinds to a delete (missing targets count as already-reversed,
// not an error); an Update restores PreviousContent as a new version when
// present.
func (m *Manager) Rollback(ctx context.Context, tenantID string, sub *Submission) error {
	for i := len(sub.Changes) - 1; i >= 0; i-- {
		change := sub.Changes[i]
		switch change.Type {
		case ChangeCreate:
			if err := m.Store.Delete(ctx, tenantID, change.ResourceType, change.ResourceID); err != nil {
				if kind, ok := backend.KindOf(err); ok && (kind == backend.KindNotFound || kind == backend.KindGone) {
					continue
				}
				return fmt.Errorf("rollback failed: create-undo for %s/%s: %w", change.ResourceType, change.ResourceID, err)
			}
		case ChangeUpdate:
			current, err := m.Store.Read(ctx, tenantID, change.ResourceType, change.ResourceID)
			if err != nil {
				return fmt.Errorf("rollback failed: update-undo for %s/%s: %w", change.ResourceType, change.ResourceID, err)
			}
			if _, err := m.Store.Update(ctx, current, change.PreviousContent); err != nil {
				return fmt.Errorf("rollback failed: update-undo for %s/%s: %w", change.ResourceType, change.ResourceID, err)
			}
		}
	}
	return nil
}
