package objectstore

import (
	"context"
	"testing"

	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/storage"
)

func TestStore_InstanceHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res, _ := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	s.Update(ctx, res, []byte(`{"id":"p1","active":true}`))

	page, err := s.InstanceHistory(ctx, "t1", "Patient", "p1", storage.HistoryFilter{Count: 10})
	if err != nil {
		t.Fatalf("InstanceHistory: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(page.Entries))
	}
	if page.Entries[0].Resource.VersionID != 2 {
		t.Fatalf("first entry version = %d, want 2 (desc order)", page.Entries[0].Resource.VersionID)
	}
}

func TestStore_TypeHistorySpansInstances(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	s.Create(ctx, "t1", "Patient", []byte(`{"id":"p2"}`), model.FHIRVersionR4)
	s.Create(ctx, "t1", "Observation", []byte(`{"id":"o1"}`), model.FHIRVersionR4)

	page, err := s.TypeHistory(ctx, "t1", "Patient", storage.HistoryFilter{Count: 10})
	if err != nil {
		t.Fatalf("TypeHistory: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(page.Entries))
	}
}

func TestStore_SystemHistorySpansTypes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	s.Create(ctx, "t1", "Observation", []byte(`{"id":"o1"}`), model.FHIRVersionR4)
	s.Create(ctx, "t2", "Patient", []byte(`{"id":"p2"}`), model.FHIRVersionR4)

	page, err := s.SystemHistory(ctx, "t1", storage.HistoryFilter{Count: 10})
	if err != nil {
		t.Fatalf("SystemHistory: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("got %d entries, want 2 (scoped to t1)", len(page.Entries))
	}
}

func TestStore_HistoryCountCaps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res, _ := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	for i := 0; i < 4; i++ {
		updated, err := s.Update(ctx, res, []byte(`{"id":"p1"}`))
		if err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		res = updated
	}

	page, err := s.InstanceHistory(ctx, "t1", "Patient", "p1", storage.HistoryFilter{Count: 2})
	if err != nil {
		t.Fatalf("InstanceHistory: %v", err)
	}
	if len(page.Entries) != 2 || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}
}
