// Package bundle implements the batch/transaction engine: full-URL
// reference rewriting, dependency-ordered execution, and compensating
// rollback on transaction failure.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/storage"
)

// Method is an HTTP verb valid in a Bundle entry request.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// methodSortOrder is the FHIR-recommended processing order within a
// transaction: deletes, creates, updates, patches, then reads.
var methodSortOrder = map[Method]int{
	MethodDelete: 0,
	MethodPost:   1,
	MethodPut:    2,
	MethodPatch:  3,
	MethodGet:    4,
}

// Entry is one request/resource pair within a Bundle, mirroring
// BundleEntry{method, url, resource, full_url, if_match, if_none_exist}.
type Entry struct {
	Method       Method
	URL          string
	Resource     json.RawMessage
	FullURL      string
	IfMatch      string
	IfNoneExist  string
}

// EntryOutcome is the per-entry result in a batch or transaction response.
type EntryOutcome struct {
	Status       string
	Location     string
	ResourceType string
	ResourceID   string
	VersionID    model.VersionID
	Error        error
}

// Result is the response to ProcessBatch/ProcessTransaction: one outcome
// per input entry, in input order (not processing order).
type Result struct {
	Outcomes []EntryOutcome
}

// compensation is a recorded undo action for one already-applied entry.
type compensation struct {
	entryIndex int
	undo       func(ctx context.Context) error
}

// Processor executes batch and transaction Bundles against a storage
// backend. ResourceType must be derivable from an entry's URL
// ("ResourceType/id" or bare "ResourceType" for create).
type Processor struct {
	Store    storage.Protocol
	TenantID string
}

// ProcessBatch runs every entry independently: a failing entry produces an
// error outcome at its own index and does not affect the others.
func (p *Processor) ProcessBatch(ctx context.Context, entries []Entry) *Result {
	result := &Result{Outcomes: make([]EntryOutcome, len(entries))}
	for i, e := range entries {
		outcome, _ := p.execute(ctx, e)
		result.Outcomes[i] = outcome
	}
	return result
}

// ProcessTransaction executes entries in FHIR dependency order, all or
// nothing. On any entry failure, already-applied entries are compensated
// in reverse order; if a compensation itself fails, the returned error
// message contains "rollback failed" and the failing compensation's entry
// index.
func (p *Processor) ProcessTransaction(ctx context.Context, entries []Entry) (*Result, error) {
	entries, idMap := preassignLogicalIDs(entries)
	order := sortTransactionEntries(entries)

	outcomes := make([]EntryOutcome, len(entries))
	var compensations []compensation

	for _, idx := range order {
		entry := entries[idx]
		if entry.Resource != nil && len(idMap) > 0 {
			entry.Resource = rewriteReferences(entry.Resource, idMap)
		}
		entry.URL = rewriteURNInURL(entry.URL, idMap)

		outcome, comp, err := p.executeTransactional(ctx, entry)
		if err != nil {
			rollbackErr := p.rollback(ctx, compensations)
			if rollbackErr != nil {
				return nil, backend.BundleError(
					fmt.Sprintf("transaction failed at entry %d and rollback failed: %v", idx, rollbackErr),
					intPtr(idx),
				)
			}
			return nil, backend.BundleError(
				fmt.Sprintf("transaction failed at entry %d (%s %s): %v", idx, entry.Method, entry.URL, err),
				intPtr(idx),
			)
		}
		if comp != nil {
			compensations = append(compensations, compensation{entryIndex: idx, undo: comp})
		}
		outcomes[idx] = outcome
	}

	return &Result{Outcomes: outcomes}, nil
}

// preassignLogicalIDs is the transaction's pre-scan pass: every POST entry
// carrying a urn:uuid: full_url is given its logical id up front, before any
// rewrite or execution happens, so a back-reference (an earlier-processed
// entry pointing at a later-processed one's full_url) still resolves. The
// chosen id is stamped into the entry's own resource content so the later
// Create call honors it as a client-assigned id. Returns a copy of entries
// (the input is left untouched) and the full_url -> "ResourceType/id" map.
func preassignLogicalIDs(entries []Entry) ([]Entry, map[string]string) {
	out := append([]Entry(nil), entries...)
	idMap := make(map[string]string, len(out))
	for i := range out {
		e := &out[i]
		if e.Method != MethodPost || e.FullURL == "" || !strings.HasPrefix(e.FullURL, "urn:uuid:") {
			continue
		}
		resourceType, _ := splitURL(e.URL)
		id := storage.NewLogicalID()
		idMap[e.FullURL] = fmt.Sprintf("%s/%s", resourceType, id)
		if e.Resource != nil {
			e.Resource = storage.WithResourceIdentity(e.Resource, resourceType, id)
		}
	}
	return out, idMap
}

func (p *Processor) rollback(ctx context.Context, compensations []compensation) error {
	for i := len(compensations) - 1; i >= 0; i-- {
		if err := compensations[i].undo(ctx); err != nil {
			return fmt.Errorf("rollback failed: compensation for entry %d: %w", compensations[i].entryIndex, err)
		}
	}
	return nil
}

// execute runs one batch entry to completion, converting any error into an
// error outcome rather than propagating it.
func (p *Processor) execute(ctx context.Context, e Entry) (EntryOutcome, error) {
	outcome, _, err := p.executeTransactional(ctx, e)
	if err != nil {
		return EntryOutcome{Status: "error", Error: err}, err
	}
	return outcome, nil
}

// executeTransactional runs one entry and returns a compensating undo
// action for a successful create or update, so a later entry's failure
// can reverse it. A committed delete returns no undo action.
func (p *Processor) executeTransactional(ctx context.Context, e Entry) (EntryOutcome, func(ctx context.Context) error, error) {
	resourceType, id := splitURL(e.URL)

	switch e.Method {
	case MethodPost:
		res, err := p.Store.Create(ctx, p.TenantID, resourceType, e.Resource, model.FHIRVersionR4)
		if err != nil {
			return EntryOutcome{}, nil, err
		}
		undo := func(ctx context.Context) error {
			return p.Store.Delete(ctx, p.TenantID, resourceType, res.LogicalID)
		}
		return successOutcome("201 Created", res), undo, nil

	case MethodPut:
		current, err := p.Store.Read(ctx, p.TenantID, resourceType, id)
		if err != nil {
			if kind, ok := backend.KindOf(err); ok && kind == backend.KindNotFound {
				res, createErr := p.Store.Create(ctx, p.TenantID, resourceType, e.Resource, model.FHIRVersionR4)
				if createErr != nil {
					return EntryOutcome{}, nil, createErr
				}
				undo := func(ctx context.Context) error {
					return p.Store.Delete(ctx, p.TenantID, resourceType, res.LogicalID)
				}
				return successOutcome("201 Created", res), undo, nil
			}
			return EntryOutcome{}, nil, err
		}
		previousContent := append(json.RawMessage(nil), current.Content...)
		updated, err := p.Store.Update(ctx, current, e.Resource)
		if err != nil {
			return EntryOutcome{}, nil, err
		}
		undo := func(ctx context.Context) error {
			_, err := p.Store.UpdateWithMatch(ctx, p.TenantID, resourceType, id, updated.VersionID, previousContent)
			return err
		}
		return successOutcome("200 OK", updated), undo, nil

	case MethodDelete:
		current, err := p.Store.Read(ctx, p.TenantID, resourceType, id)
		if err != nil {
			return EntryOutcome{}, nil, err
		}
		if err := p.Store.DeleteWithMatch(ctx, p.TenantID, resourceType, id, current.VersionID); err != nil {
			return EntryOutcome{}, nil, err
		}
		// A committed delete within a transaction is not itself undone on
		// rollback; only create and update register compensations.
		return EntryOutcome{Status: "204 No Content", ResourceType: resourceType, ResourceID: id}, nil, nil

	case MethodGet:
		res, err := p.Store.Read(ctx, p.TenantID, resourceType, id)
		if err != nil {
			return EntryOutcome{}, nil, err
		}
		return successOutcome("200 OK", res), nil, nil

	default:
		return EntryOutcome{}, nil, backend.New(backend.KindInvalidParameter, fmt.Sprintf("unsupported bundle entry method %q", e.Method))
	}
}

func successOutcome(status string, res *model.StoredResource) EntryOutcome {
	return EntryOutcome{
		Status:       status,
		Location:     fmt.Sprintf("%s/%s", res.ResourceType, res.LogicalID),
		ResourceType: res.ResourceType,
		ResourceID:   res.LogicalID,
		VersionID:    res.VersionID,
	}
}

// splitURL parses "ResourceType/id" or a bare "ResourceType" (create).
func splitURL(url string) (resourceType, id string) {
	if t, i, ok := strings.Cut(url, "/"); ok {
		return t, i
	}
	return url, ""
}

// sortTransactionEntries returns entry indices in FHIR processing order
// (delete, post, put, patch, get), stable within each method group so
// implementers accepting input order still resolve internal references
// correctly.
func sortTransactionEntries(entries []Entry) []int {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return methodSortOrder[entries[order[i]].Method] < methodSortOrder[entries[order[j]].Method]
	})
	return order
}

func intPtr(i int) *int { return &i }
