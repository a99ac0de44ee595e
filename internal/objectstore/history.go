package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/storage"
)

// historyPointer is the small record stored in the type_history and
// system_history index buckets: enough to locate the full envelope back in
// history/{type}/{id}/{version} without duplicating the resource content a
// second time.
type historyPointer struct {
	ResourceType string          `json:"resourceType"`
	LogicalID    string          `json:"id"`
	VersionID    model.VersionID `json:"versionId"`
}

// sortableKey renders a lexicographically time-ordered key so bbolt's
// Cursor walks index buckets in write order directly.
func sortableKey(res model.StoredResource) []byte {
	return []byte(fmt.Sprintf("%020d_%s_%020d", res.LastModified.UnixNano(), res.LogicalID, int64(res.VersionID)))
}

func (s *Store) appendHistory(tb *bbolt.Bucket, res model.StoredResource) error {
	historyBucket, err := nestedBucket(tb, true, subBucketHistory, res.ResourceType, res.LogicalID)
	if err != nil {
		return err
	}
	if err := putEnvelope(historyBucket, versionKey(res.VersionID), res); err != nil {
		return err
	}

	pointer, err := json.Marshal(historyPointer{ResourceType: res.ResourceType, LogicalID: res.LogicalID, VersionID: res.VersionID})
	if err != nil {
		return backend.Wrap(backend.KindSerializationError, "objectstore", err)
	}

	typeBucket, err := nestedBucket(tb, true, subBucketTypeHistory, res.ResourceType)
	if err != nil {
		return err
	}
	if err := typeBucket.Put(sortableKey(res), pointer); err != nil {
		return err
	}

	sysBucket, err := nestedBucket(tb, true, subBucketSystemHistory)
	if err != nil {
		return err
	}
	return sysBucket.Put(sortableKey(res), pointer)
}

func (s *Store) Vread(ctx context.Context, tenantID, resourceType, id string, versionID model.VersionID) (*model.StoredResource, error) {
	var out *model.StoredResource
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return nil
		}
		historyBucket, err := nestedBucket(tb, false, subBucketHistory, resourceType, id)
		if err != nil || historyBucket == nil {
			return nil
		}
		raw := historyBucket.Get(versionKey(versionID))
		if raw == nil {
			return nil
		}
		e, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		res := e.toResource()
		out = storage.CloneResource(&res)
		return nil
	})
	return out, err
}

func (s *Store) ListVersions(ctx context.Context, tenantID, resourceType, id string) ([]model.VersionID, error) {
	var versions []model.VersionID
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return nil
		}
		historyBucket, err := nestedBucket(tb, false, subBucketHistory, resourceType, id)
		if err != nil || historyBucket == nil {
			return nil
		}
		return historyBucket.ForEach(func(k, v []byte) error {
			e, err := decodeEnvelope(v)
			if err != nil {
				return err
			}
			versions = append(versions, e.VersionID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (s *Store) InstanceHistory(ctx context.Context, tenantID, resourceType, id string, filter storage.HistoryFilter) (*storage.HistoryPage, error) {
	var entries []model.StoredResource
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return nil
		}
		historyBucket, err := nestedBucket(tb, false, subBucketHistory, resourceType, id)
		if err != nil || historyBucket == nil {
			return nil
		}
		return historyBucket.ForEach(func(k, v []byte) error {
			e, err := decodeEnvelope(v)
			if err != nil {
				return err
			}
			entries = append(entries, e.toResource())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return historyPage(entries, filter), nil
}

func (s *Store) TypeHistory(ctx context.Context, tenantID, resourceType string, filter storage.HistoryFilter) (*storage.HistoryPage, error) {
	return s.historyFromIndex(tenantID, filter, subBucketTypeHistory, resourceType)
}

func (s *Store) SystemHistory(ctx context.Context, tenantID string, filter storage.HistoryFilter) (*storage.HistoryPage, error) {
	return s.historyFromIndex(tenantID, filter, subBucketSystemHistory)
}

// historyFromIndex walks a type_history/{type} or system_history index
// bucket in reverse key order (newest write first, since sortableKey is
// time-prefixed ascending) and dereferences each pointer back into the full
// envelope stored under history/{type}/{id}/{version}.
func (s *Store) historyFromIndex(tenantID string, filter storage.HistoryFilter, path ...string) (*storage.HistoryPage, error) {
	var entries []model.StoredResource
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return nil
		}
		indexBucket, err := nestedBucket(tb, false, path...)
		if err != nil || indexBucket == nil {
			return nil
		}
		historyRoot, err := nestedBucket(tb, false, subBucketHistory)
		if err != nil || historyRoot == nil {
			return nil
		}

		c := indexBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var p historyPointer
			if err := json.Unmarshal(v, &p); err != nil {
				return backend.Wrap(backend.KindSerializationError, "objectstore", err)
			}
			resourceHistory, err := nestedBucket(historyRoot, false, p.ResourceType, p.LogicalID)
			if err != nil || resourceHistory == nil {
				continue
			}
			raw := resourceHistory.Get(versionKey(p.VersionID))
			if raw == nil {
				continue
			}
			e, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			entries = append(entries, e.toResource())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return historyPage(entries, filter), nil
}

// historyPage applies the Since/Before/Count filter, ordering
// (last_modified desc, logical id asc) the same way storage.Memory does.
// Deleted (tombstone) versions are never excluded: they are legitimate
// history events.
func historyPage(entries []model.StoredResource, filter storage.HistoryFilter) *storage.HistoryPage {
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
	page := &storage.HistoryPage{HasMore: hasMore}
	for _, e := range filtered {
		page.Entries = append(page.Entries, storage.HistoryEntry{Resource: e, Method: e.Method})
	}
	return page
}
