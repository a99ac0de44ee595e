package objectstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/searchparam"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	r := searchparam.NewRegistry()
	if err := searchparam.LoadSeed(r); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "objectstore.db")
	s, err := Open("obj-1", path, r, fhirpath.Naive, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.Create(ctx, "tenant-a", "Patient", []byte(`{"name":[{"family":"Smith"}]}`), model.FHIRVersionR4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.VersionID != 1 {
		t.Fatalf("VersionID = %d, want 1", res.VersionID)
	}

	got, err := s.Read(ctx, "tenant-a", "Patient", res.LogicalID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.LogicalID != res.LogicalID {
		t.Fatalf("got id %q, want %q", got.LogicalID, res.LogicalID)
	}
}

func TestStore_CreateIfNoneMatchConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindAlreadyExists {
		t.Fatalf("got err %v, want KindAlreadyExists", err)
	}
}

func TestStore_ReadTombstoneReturnsGone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, _ := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if err := s.Delete(ctx, "t1", "Patient", res.LogicalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := s.Read(ctx, "t1", "Patient", res.LogicalID)
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindGone {
		t.Fatalf("got err %v, want KindGone", err)
	}
}

func TestStore_DeleteTombstonePreservesLastContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, _ := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1","active":true}`), model.FHIRVersionR4)
	if err := s.Delete(ctx, "t1", "Patient", res.LogicalID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	versions, err := s.ListVersions(ctx, "t1", "Patient", res.LogicalID)
	if err != nil || len(versions) != 2 {
		t.Fatalf("ListVersions = %v, %v", versions, err)
	}
	tombstone, err := s.Vread(ctx, "t1", "Patient", res.LogicalID, versions[1])
	if err != nil || tombstone == nil {
		t.Fatalf("Vread tombstone: %v, %v", tombstone, err)
	}
	if len(tombstone.Content) == 0 {
		t.Fatal("tombstone lost its last live content")
	}
}

func TestStore_IfMatchVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, _ := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if _, err := s.Update(ctx, res, []byte(`{"id":"p1","active":true}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, err := s.Update(ctx, res, []byte(`{"id":"p1","active":false}`))
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindVersionConflict {
		t.Fatalf("got err %v, want KindVersionConflict", err)
	}
}

func TestStore_DeleteNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	err := s.Delete(ctx, "t1", "Patient", "missing")
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindNotFound {
		t.Fatalf("got err %v, want KindNotFound", err)
	}
}

func TestStore_DeleteAlreadyGone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res, _ := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if err := s.Delete(ctx, "t1", "Patient", res.LogicalID); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	err := s.Delete(ctx, "t1", "Patient", res.LogicalID)
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindGone {
		t.Fatalf("got err %v, want KindGone", err)
	}
}

func TestStore_VreadAndListVersions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, _ := s.Create(ctx, "t1", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	updated, _ := s.Update(ctx, res, []byte(`{"id":"p1","active":true}`))

	v1, err := s.Vread(ctx, "t1", "Patient", "p1", 1)
	if err != nil || v1 == nil {
		t.Fatalf("Vread(1): %v, %v", v1, err)
	}
	versions, err := s.ListVersions(ctx, "t1", "Patient", "p1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 || versions[1] != updated.VersionID {
		t.Fatalf("versions = %v", versions)
	}
}

func TestStore_Count(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.Create(ctx, "t1", "Patient", []byte(`{}`), model.FHIRVersionR4)
	s.Create(ctx, "t1", "Patient", []byte(`{}`), model.FHIRVersionR4)
	s.Create(ctx, "t1", "Observation", []byte(`{}`), model.FHIRVersionR4)

	n, err := s.Count(ctx, "t1", "Patient")
	if err != nil || n != 2 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	total, _ := s.Count(ctx, "t1", "")
	if total != 3 {
		t.Fatalf("total Count = %d", total)
	}
}

func TestStore_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	res, _ := s.Create(ctx, "tenant-a", "Patient", []byte(`{"id":"p1"}`), model.FHIRVersionR4)
	if _, err := s.Read(ctx, "tenant-b", "Patient", res.LogicalID); err == nil {
		t.Fatal("expected tenant-b to not see tenant-a's resource")
	}
}
