package storage

import (
	"context"
	"testing"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/query"
	"github.com/fhircore/engine/internal/searchparam"
)

func newTestBackend(t *testing.T) *Memory {
	t.Helper()
	r := searchparam.NewRegistry()
	if err := searchparam.LoadSeed(r); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	return NewMemory("mem-1", r, fhirpath.Naive)
}

func TestMemory_CreateReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)

	res, err := m.Create(ctx, "tenant-a", "Patient", []byte(`{"name":[{"family":"Smith"}]}`), model.FHIRVersionR4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.VersionID != 1 {
		t.Fatalf("VersionID = %d, want 1", res.VersionID)
	}

	got, err := m.Read(ctx, "tenant-a", "Patient", res.LogicalID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.LogicalID != res.LogicalID {
		t.Fatalf("got id %q, want %q", got.LogicalID, res.LogicalID)
	}
}

func TestMemory_CreateWithClientIDConflict(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)

	if _, err := m.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := m.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindAlreadyExists {
		t.Fatalf("got err %v, want KindAlreadyExists", err)
	}
}

func TestMemory_ReadTombstoneReturnsGone(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)

	res, _ := m.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if err := m.Delete(ctx, "t1", "Patient", res.LogicalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := m.Read(ctx, "t1", "Patient", res.LogicalID)
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindGone {
		t.Fatalf("got err %v, want KindGone", err)
	}
}

func TestMemory_UpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)

	res, _ := m.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if _, err := m.Update(ctx, res, []byte(`{"id":"p1","active":true}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// res still carries VersionID=1, which is now stale.
	_, err := m.Update(ctx, res, []byte(`{"id":"p1","active":false}`))
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindVersionConflict {
		t.Fatalf("got err %v, want KindVersionConflict", err)
	}
}

func TestMemory_DeleteNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)
	err := m.Delete(ctx, "t1", "Patient", "missing")
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindNotFound {
		t.Fatalf("got err %v, want KindNotFound", err)
	}
}

func TestMemory_VreadAndListVersions(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)

	res, _ := m.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	updated, _ := m.Update(ctx, res, []byte(`{"id":"p1","active":true}`))

	v1, err := m.Vread(ctx, "t1", "Patient", "p1", 1)
	if err != nil || v1 == nil {
		t.Fatalf("Vread(1): %v, %v", v1, err)
	}
	versions, err := m.ListVersions(ctx, "t1", "Patient", "p1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 || versions[1] != updated.VersionID {
		t.Fatalf("versions = %v", versions)
	}
}

func TestMemory_Count(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)
	m.Create(ctx, "t1", "Patient", []byte(`{}`), model.FHIRVersionR4)
	m.Create(ctx, "t1", "Patient", []byte(`{}`), model.FHIRVersionR4)
	m.Create(ctx, "t1", "Observation", []byte(`{}`), model.FHIRVersionR4)

	n, err := m.Count(ctx, "t1", "Patient")
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	total, _ := m.Count(ctx, "t1", "")
	if total != 3 {
		t.Fatalf("total Count = %d", total)
	}
}

func TestMemory_Search_SimpleStringMatch(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)
	m.Create(ctx, "t1", "Patient", []byte(`{"name":[{"family":"Smith"}]}`), model.FHIRVersionR4)
	m.Create(ctx, "t1", "Patient", []byte(`{"name":[{"family":"Jones"}]}`), model.FHIRVersionR4)

	q, err := query.ParseQuery("Patient", map[string][]string{"name": {"smith"}}, 50, 200)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	result, err := m.Search(ctx, "t1", q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(result.Resources))
	}
}

func TestMemory_Search_ChainedReference(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)
	patient, _ := m.Create(ctx, "t1", "Patient", []byte(`{"name":[{"family":"Smith"}]}`), model.FHIRVersionR4)
	m.Create(ctx, "t1", "Observation", []byte(`{"subject":{"reference":"Patient/`+patient.LogicalID+`"}}`), model.FHIRVersionR4)
	m.Create(ctx, "t1", "Observation", []byte(`{"subject":{"reference":"Patient/nonexistent"}}`), model.FHIRVersionR4)

	q, err := query.ParseQuery("Observation", map[string][]string{"subject:Patient.name": {"smith"}}, 50, 200)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	result, err := m.Search(ctx, "t1", q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(result.Resources))
	}
}

func TestMemory_Search_MissingModifier(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)
	m.Create(ctx, "t1", "Patient", []byte(`{"name":[{"family":"Smith"}]}`), model.FHIRVersionR4)
	m.Create(ctx, "t1", "Patient", []byte(`{}`), model.FHIRVersionR4)

	q, err := query.ParseQuery("Patient", map[string][]string{"name:missing": {"true"}}, 50, 200)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	result, err := m.Search(ctx, "t1", q)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Resources) != 1 {
		t.Fatalf("got %d resources, want 1 (the one missing a name)", len(result.Resources))
	}
}

func TestMemory_Search_PaginationCursor(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)
	for i := 0; i < 5; i++ {
		m.Create(ctx, "t1", "Patient", []byte(`{}`), model.FHIRVersionR4)
	}

	q, _ := query.ParseQuery("Patient", map[string][]string{"_count": {"2"}}, 50, 200)
	page1, err := m.Search(ctx, "t1", q)
	if err != nil {
		t.Fatalf("Search page1: %v", err)
	}
	if len(page1.Resources) != 2 || !page1.Page.HasMore {
		t.Fatalf("page1 = %+v", page1.Page)
	}

	q2, _ := query.ParseQuery("Patient", map[string][]string{"_count": {"2"}, "_cursor": {page1.Page.NextCursor}}, 50, 200)
	page2, err := m.Search(ctx, "t1", q2)
	if err != nil {
		t.Fatalf("Search page2: %v", err)
	}
	if len(page2.Resources) != 2 {
		t.Fatalf("page2 = %+v", page2.Resources)
	}
	if page2.Resources[0].LogicalID == page1.Resources[0].LogicalID {
		t.Fatalf("page2 repeats page1's resources")
	}
	if !page2.Page.HasPrev || page2.Page.PrevCursor == "" {
		t.Fatalf("page2 = %+v, want HasPrev with a prev cursor", page2.Page)
	}

	q3, _ := query.ParseQuery("Patient", map[string][]string{"_count": {"2"}, "_cursor": {page2.Page.PrevCursor}}, 50, 200)
	back, err := m.Search(ctx, "t1", q3)
	if err != nil {
		t.Fatalf("Search back: %v", err)
	}
	if len(back.Resources) != 2 {
		t.Fatalf("back = %+v, want 2 resources", back.Resources)
	}
	for i, r := range back.Resources {
		if r.LogicalID != page1.Resources[i].LogicalID {
			t.Fatalf("back page = %+v, want it to match page1 %+v", back.Resources, page1.Resources)
		}
	}
}

func TestMemory_History_InstanceOrdering(t *testing.T) {
	ctx := context.Background()
	m := newTestBackend(t)
	res, _ := m.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	m.Update(ctx, res, []byte(`{"id":"p1","active":true}`))

	page, err := m.InstanceHistory(ctx, "t1", "Patient", "p1", HistoryFilter{Count: 10})
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
