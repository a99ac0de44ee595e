// Package objectstore implements an object-store reference backend over an
// embedded bbolt database: a versioned resource protocol keyed the same
// way an S3-style bucket would be, with if-none-match/if-match
// preconditions enforced inside bbolt's own single-writer transactions
// instead of a remote object store's API.
package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rs/zerolog"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/searchparam"
	"github.com/fhircore/engine/internal/storage"
)

var bucketTenants = []byte("tenants")

const (
	subBucketResources     = "resources"
	subBucketHistory       = "history"
	subBucketTypeHistory   = "type_history"
	subBucketSystemHistory = "system_history"
)

// Store is the bbolt-backed object-store backend.
type Store struct {
	backend.StaticCapabilities

	db       *bbolt.DB
	registry *searchparam.Registry
	eval     fhirpath.Evaluator
	log      zerolog.Logger
}

// Open creates or opens a bbolt database at path and returns a Store ready
// to serve the versioned storage protocol. registry and eval are used to
// evaluate search parameter definitions the same way every other backend
// does.
func Open(id, path string, registry *searchparam.Registry, eval fhirpath.Evaluator, log zerolog.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTenants)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize root bucket: %w", err)
	}
	return &Store{
		StaticCapabilities: backend.NewStaticCapabilities(id, backend.KindObjectStore, nil),
		db:                 db,
		registry:           registry,
		eval:               eval,
		log:                log.With().Str("backend", id).Logger(),
	}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bbolt.Tx) error { return nil })
}

// envelope is the wire shape stored under every resources/history key. It
// carries every field StoredResource's json tags deliberately omit, since
// those are FHIR-content-facing and this is the storage-facing encoding.
type envelope struct {
	ResourceType string            `json:"resourceType"`
	LogicalID    string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	VersionID    model.VersionID   `json:"versionId"`
	Content      json.RawMessage   `json:"content"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastModified time.Time         `json:"lastModified"`
	Deleted      bool              `json:"deleted"`
	DeletedAt    *time.Time        `json:"deletedAt,omitempty"`
	Method       model.WriteMethod `json:"method"`
	FHIRVersion  model.FHIRVersion `json:"fhirVersion"`
}

func toEnvelope(r model.StoredResource) envelope {
	return envelope{
		ResourceType: r.ResourceType,
		LogicalID:    r.LogicalID,
		TenantID:     r.TenantID,
		VersionID:    r.VersionID,
		Content:      r.Content,
		CreatedAt:    r.CreatedAt,
		LastModified: r.LastModified,
		Deleted:      r.Deleted,
		DeletedAt:    r.DeletedAt,
		Method:       r.Method,
		FHIRVersion:  r.FHIRVersion,
	}
}

func (e envelope) toResource() model.StoredResource {
	return model.StoredResource{
		ResourceType: e.ResourceType,
		LogicalID:    e.LogicalID,
		TenantID:     e.TenantID,
		VersionID:    e.VersionID,
		Content:      e.Content,
		CreatedAt:    e.CreatedAt,
		LastModified: e.LastModified,
		Deleted:      e.Deleted,
		DeletedAt:    e.DeletedAt,
		Method:       e.Method,
		FHIRVersion:  e.FHIRVersion,
	}
}

func versionKey(v model.VersionID) []byte {
	return []byte(fmt.Sprintf("%020d", int64(v)))
}

// tenantBucket returns the (lazily created) nested bucket tree rooted at
// tenants/{tenantID}, mirroring the {prefix}/{tenant}/ keyspace root.
func tenantBucket(tx *bbolt.Tx, tenantID string, writable bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(bucketTenants)
	if writable {
		return root.CreateBucketIfNotExists([]byte(tenantID))
	}
	b := root.Bucket([]byte(tenantID))
	if b == nil {
		return nil, nil
	}
	return b, nil
}

func nestedBucket(parent *bbolt.Bucket, writable bool, names ...string) (*bbolt.Bucket, error) {
	b := parent
	for _, name := range names {
		if writable {
			next, err := b.CreateBucketIfNotExists([]byte(name))
			if err != nil {
				return nil, err
			}
			b = next
			continue
		}
		next := b.Bucket([]byte(name))
		if next == nil {
			return nil, nil
		}
		b = next
	}
	return b, nil
}

func (s *Store) Create(ctx context.Context, tenantID, resourceType string, content []byte, fhirVersion model.FHIRVersion) (*model.StoredResource, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return nil, backend.New(backend.KindInvalidResource, "content is not valid JSON")
	}
	id := probe.ID
	if id == "" {
		id = storage.NewLogicalID()
	}

	var out model.StoredResource
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, true)
		if err != nil {
			return err
		}
		resBucket, err := nestedBucket(tb, true, subBucketResources, resourceType)
		if err != nil {
			return err
		}

		// if-none-match: * — a current pointer may not already exist.
		if resBucket.Get([]byte(id)) != nil {
			return backend.AlreadyExists(resourceType, id)
		}

		now := time.Now().UTC()
		res := model.StoredResource{
			ResourceType: resourceType,
			LogicalID:    id,
			TenantID:     tenantID,
			VersionID:    1,
			Content:      storage.WithResourceIdentity(content, resourceType, id),
			CreatedAt:    now,
			LastModified: now,
			Method:       model.MethodCreate,
			FHIRVersion:  fhirVersion,
		}
		if err := putEnvelope(resBucket, []byte(id), res); err != nil {
			return err
		}
		if err := s.appendHistory(tb, res); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.CloneResource(&out), nil
}

func (s *Store) Read(ctx context.Context, tenantID, resourceType, id string) (*model.StoredResource, error) {
	var out *model.StoredResource
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return backend.NotFound(resourceType, id)
		}
		resBucket, err := nestedBucket(tb, false, subBucketResources, resourceType)
		if err != nil || resBucket == nil {
			return backend.NotFound(resourceType, id)
		}
		raw := resBucket.Get([]byte(id))
		if raw == nil {
			return backend.NotFound(resourceType, id)
		}
		e, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		if e.Deleted {
			return backend.Gone(resourceType, id)
		}
		res := e.toResource()
		out = storage.CloneResource(&res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, cur *model.StoredResource, newContent []byte) (*model.StoredResource, error) {
	expected := cur.VersionID
	return s.compareAndSwap(ctx, cur.TenantID, cur.ResourceType, cur.LogicalID, &expected, newContent, false)
}

func (s *Store) UpdateWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID, newContent []byte) (*model.StoredResource, error) {
	return s.compareAndSwap(ctx, tenantID, resourceType, id, &expectedVersion, newContent, false)
}

func (s *Store) Delete(ctx context.Context, tenantID, resourceType, id string) error {
	_, err := s.compareAndSwap(ctx, tenantID, resourceType, id, nil, nil, true)
	return err
}

func (s *Store) DeleteWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID) error {
	_, err := s.compareAndSwap(ctx, tenantID, resourceType, id, &expectedVersion, nil, true)
	return err
}

// compareAndSwap enforces if-match: <version> (expectedVersion nil means
// unconditional) and writes the next version, mirroring
// storage.Postgres.compareAndSwap's contract but against bbolt buckets
// instead of SQL rows. A tombstone write preserves the last live Content.
func (s *Store) compareAndSwap(ctx context.Context, tenantID, resourceType, id string, expectedVersion *model.VersionID, newContent []byte, isDelete bool) (*model.StoredResource, error) {
	var out model.StoredResource
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, true)
		if err != nil {
			return err
		}
		resBucket, err := nestedBucket(tb, true, subBucketResources, resourceType)
		if err != nil {
			return err
		}

		raw := resBucket.Get([]byte(id))
		if raw == nil {
			return backend.NotFound(resourceType, id)
		}
		e, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		if e.Deleted {
			return backend.Gone(resourceType, id)
		}
		if expectedVersion != nil && e.VersionID != *expectedVersion {
			return backend.VersionConflict(expectedVersion.String(), e.VersionID.String())
		}

		now := time.Now().UTC()
		next := e.toResource()
		next.VersionID = e.VersionID + 1
		next.LastModified = now
		if isDelete {
			next.Deleted = true
			next.DeletedAt = &now
			next.Method = model.MethodDelete
			// tombstone retains the last live payload
		} else {
			next.Content = storage.WithResourceIdentity(newContent, resourceType, id)
			next.Method = model.MethodUpdate
		}

		if err := putEnvelope(resBucket, []byte(id), next); err != nil {
			return err
		}
		if err := s.appendHistory(tb, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.CloneResource(&out), nil
}

func (s *Store) Count(ctx context.Context, tenantID, resourceType string) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return nil
		}
		resRoot, err := nestedBucket(tb, false, subBucketResources)
		if err != nil || resRoot == nil {
			return nil
		}
		count := func(b *bbolt.Bucket) error {
			return b.ForEach(func(k, v []byte) error {
				e, err := decodeEnvelope(v)
				if err != nil {
					return err
				}
				if !e.Deleted {
					n++
				}
				return nil
			})
		}
		if resourceType != "" {
			typeBucket := resRoot.Bucket([]byte(resourceType))
			if typeBucket == nil {
				return nil
			}
			return count(typeBucket)
		}
		c := resRoot.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v != nil {
				continue // leaf key, not a resource-type bucket
			}
			if err := count(resRoot.Bucket(k)); err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

func putEnvelope(b *bbolt.Bucket, key []byte, r model.StoredResource) error {
	data, err := json.Marshal(toEnvelope(r))
	if err != nil {
		return backend.Wrap(backend.KindSerializationError, "objectstore", err)
	}
	return b.Put(key, data)
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, backend.Wrap(backend.KindSerializationError, "objectstore", err)
	}
	return e, nil
}
