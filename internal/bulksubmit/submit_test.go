package bulksubmit

import (
	"context"
	"testing"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/searchparam"
	"github.com/fhircore/engine/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, storage.Protocol) {
	t.Helper()
	r := searchparam.NewRegistry()
	if err := searchparam.LoadSeed(r); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	store := storage.NewMemory("mem-1", r, fhirpath.Naive)
	return NewManager(store), store
}

func TestBegin_DuplicateSubmission(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Begin("sub-a", "s1", DefaultOptions()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err := m.Begin("sub-a", "s1", DefaultOptions())
	if err == nil {
		t.Fatal("expected duplicate submission error")
	}
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindDuplicateSubmission {
		t.Fatalf("kind = %v, want KindDuplicateSubmission", kind)
	}
}

func TestParseNDJSON_SkipsBlankLinesFlagsInvalid(t *testing.T) {
	data := []byte("{\"resourceType\":\"Patient\"}\n\n not json \n{\"resourceType\":\"Patient\",\"id\":\"p2\"}\n")
	entries := ParseNDJSON(data)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[1].ResourceType != "" {
		t.Fatalf("entry 1 should be unparsed, got type %q", entries[1].ResourceType)
	}
	if entries[2].ResourceID != "p2" {
		t.Fatalf("entry 2 id = %q, want p2", entries[2].ResourceID)
	}
}

func TestProcessManifest_CreateThenSkipWithoutAllowUpdates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sub, err := m.Begin("sub-a", "s1", DefaultOptions())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	entries := ParseNDJSON([]byte(`{"resourceType":"Patient","id":"p1","name":[{"family":"A"}]}` + "\n"))
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", entries); err != nil {
		t.Fatalf("ProcessManifest: %v", err)
	}
	if sub.Results[0].Outcome != OutcomeCreated {
		t.Fatalf("outcome = %q, want created", sub.Results[0].Outcome)
	}

	// Same id again, allow_updates is false by default → skipped.
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", entries); err != nil {
		t.Fatalf("ProcessManifest (2nd): %v", err)
	}
	if sub.Results[1].Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %q, want skipped", sub.Results[1].Outcome)
	}
}

func TestProcessManifest_AllowUpdatesRecordsChange(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	opts := DefaultOptions()
	opts.AllowUpdates = true
	sub, err := m.Begin("sub-a", "s1", opts)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	create := ParseNDJSON([]byte(`{"resourceType":"Patient","id":"p1","name":[{"family":"A"}]}` + "\n"))
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", create); err != nil {
		t.Fatalf("ProcessManifest: %v", err)
	}

	update := ParseNDJSON([]byte(`{"resourceType":"Patient","id":"p1","name":[{"family":"B"}]}` + "\n"))
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", update); err != nil {
		t.Fatalf("ProcessManifest (update): %v", err)
	}
	if sub.Results[1].Outcome != OutcomeUpdated {
		t.Fatalf("outcome = %q, want updated", sub.Results[1].Outcome)
	}
	if len(sub.Changes) != 2 || sub.Changes[1].Type != ChangeUpdate {
		t.Fatalf("changes = %+v", sub.Changes)
	}
}

func TestProcessManifest_TypeMismatchIsValidationError(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	opts := DefaultOptions()
	opts.ContinueOnError = true
	sub, err := m.Begin("sub-a", "s1", opts)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	entries := ParseNDJSON([]byte(`{"resourceType":"Observation","id":"o1"}` + "\n"))
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", entries); err != nil {
		t.Fatalf("ProcessManifest: %v", err)
	}
	if sub.Results[0].Outcome != OutcomeValidationError {
		t.Fatalf("outcome = %q, want validation_error", sub.Results[0].Outcome)
	}
	if sub.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", sub.ErrorCount)
	}
}

func TestProcessManifest_AbortsWithoutContinueOnError(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	sub, err := m.Begin("sub-a", "s1", DefaultOptions())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	entries := ParseNDJSON([]byte(`{"resourceType":"Observation","id":"o1"}` + "\n"))
	err = m.ProcessManifest(ctx, sub, "t1", "Patient", entries)
	if err == nil {
		t.Fatal("expected ProcessManifest to return an error")
	}
	if !sub.Aborted {
		t.Fatal("expected submission to be marked aborted")
	}
}

func TestRollback_UndoesCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	opts := DefaultOptions()
	opts.AllowUpdates = true
	sub, err := m.Begin("sub-a", "s1", opts)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	create := ParseNDJSON([]byte(`{"resourceType":"Patient","id":"p1","name":[{"family":"A"}]}` + "\n"))
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", create); err != nil {
		t.Fatalf("ProcessManifest create: %v", err)
	}
	update := ParseNDJSON([]byte(`{"resourceType":"Patient","id":"p1","name":[{"family":"B"}]}` + "\n"))
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", update); err != nil {
		t.Fatalf("ProcessManifest update: %v", err)
	}

	if err := m.Rollback(ctx, "t1", sub); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	_, err = store.Read(ctx, "t1", "Patient", "p1")
	if err == nil {
		t.Fatal("expected p1 to be gone after rollback")
	}
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindGone {
		t.Fatalf("kind = %v, want KindGone", kind)
	}
}

func TestRollback_MissingCreateTargetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	sub, err := m.Begin("sub-a", "s1", DefaultOptions())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	create := ParseNDJSON([]byte(`{"resourceType":"Patient","id":"p1","name":[{"family":"A"}]}` + "\n"))
	if err := m.ProcessManifest(ctx, sub, "t1", "Patient", create); err != nil {
		t.Fatalf("ProcessManifest: %v", err)
	}

	if err := store.Delete(ctx, "t1", "Patient", "p1"); err != nil {
		t.Fatalf("pre-delete: %v", err)
	}

	if err := m.Rollback(ctx, "t1", sub); err != nil {
		t.Fatalf("Rollback should be idempotent on a missing target: %v", err)
	}
}
