package objectstore

import (
	"context"
	"sort"
	"strconv"

	"go.etcd.io/bbolt"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/indexvalue"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/query"
	"github.com/fhircore/engine/internal/storage"
)

// Search evaluates q against every live resource of q.ResourceType for
// tenantID. An embedded key-value store has no query planner to push
// predicates into, so unlike the relational backend's SQL-narrowing
// fast path, every search here runs the same in-process parameter/chain/
// `_has`/`_filter` evaluation storage.Memory uses, just sourced from bbolt
// instead of a Go map.
func (s *Store) Search(ctx context.Context, tenantID string, q *query.SearchQuery) (*storage.SearchResult, error) {
	var candidates []model.StoredResource
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return nil
		}
		typeBucket, err := nestedBucket(tb, false, subBucketResources, q.ResourceType)
		if err != nil || typeBucket == nil {
			return nil
		}
		return typeBucket.ForEach(func(k, v []byte) error {
			e, err := decodeEnvelope(v)
			if err != nil {
				return err
			}
			if !e.Deleted {
				candidates = append(candidates, e.toResource())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	matched := make([]model.StoredResource, 0, len(candidates))
	for i := range candidates {
		ok, err := s.matchesQuery(ctx, tenantID, &candidates[i], q)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, candidates[i])
		}
	}

	s.applySort(matched, q.Sort)
	return s.paginate(matched, q)
}

func (s *Store) matchesQuery(ctx context.Context, tenantID string, res *model.StoredResource, q *query.SearchQuery) (bool, error) {
	for _, p := range q.Parameters {
		ok, err := s.matchesParameter(ctx, tenantID, res, p)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, rc := range q.ReverseChains {
		ok, err := s.matchesReverseChain(ctx, tenantID, res, rc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if q.Filter != nil {
		ok, err := s.matchesFilter(ctx, tenantID, res, q.Filter)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) matchesParameter(ctx context.Context, tenantID string, res *model.StoredResource, p query.SearchParameter) (bool, error) {
	target := res
	for _, hop := range p.Chain {
		ref, err := s.resolveReference(ctx, tenantID, target, hop.ReferenceParam, hop.TargetType)
		if err != nil {
			return false, err
		}
		if ref == nil {
			return false, nil
		}
		target = ref
	}

	def, ok := s.registry.Lookup(p.Name, target.ResourceType)
	if !ok {
		def, ok = s.registry.Lookup(p.Name, "Resource")
	}
	if !ok {
		return false, backend.InvalidParameter(p.Name, "unknown search parameter")
	}

	values, failures := indexvalue.Extract(target, def, s.eval)
	for _, f := range failures {
		s.log.Debug().Str("param", def.Code).Str("resource", target.LogicalID).Err(f).Msg("search parameter conversion skipped")
	}

	if p.Modifier == query.ModMissing {
		isMissing := len(values) == 0
		want := len(p.Values) == 1 && p.Values[0].Value == "true"
		return isMissing == want, nil
	}

	for _, sv := range p.Values {
		for _, iv := range values {
			if storage.MatchValue(iv, sv, p.Modifier) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Store) resolveReference(ctx context.Context, tenantID string, base *model.StoredResource, refParam, targetType string) (*model.StoredResource, error) {
	def, ok := s.registry.Lookup(refParam, base.ResourceType)
	if !ok {
		return nil, backend.InvalidParameter(refParam, "unknown reference search parameter")
	}
	values, _ := indexvalue.Extract(base, def, s.eval)
	for _, v := range values {
		if v.Kind != indexvalue.KindReference {
			continue
		}
		if targetType != "" && v.Ref.ResourceType != targetType {
			continue
		}
		res, err := s.Read(ctx, tenantID, v.Ref.ResourceType, v.Ref.ResourceID)
		if err != nil {
			continue
		}
		return res, nil
	}
	return nil, nil
}

func (s *Store) matchesReverseChain(ctx context.Context, tenantID string, res *model.StoredResource, rc query.ReverseChain) (bool, error) {
	var sources []model.StoredResource
	err := s.db.View(func(tx *bbolt.Tx) error {
		tb, err := tenantBucket(tx, tenantID, false)
		if err != nil || tb == nil {
			return nil
		}
		typeBucket, err := nestedBucket(tb, false, subBucketResources, rc.SourceType)
		if err != nil || typeBucket == nil {
			return nil
		}
		return typeBucket.ForEach(func(k, v []byte) error {
			e, err := decodeEnvelope(v)
			if err != nil {
				return err
			}
			if !e.Deleted {
				sources = append(sources, e.toResource())
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	for i := range sources {
		ref, err := s.resolveReference(ctx, tenantID, &sources[i], rc.ReferenceParam, res.ResourceType)
		if err != nil || ref == nil || ref.LogicalID != res.LogicalID {
			continue
		}
		if rc.Nested != nil {
			ok, err := s.matchesReverseChain(ctx, tenantID, &sources[i], *rc.Nested)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
			continue
		}
		sp := query.SearchParameter{Name: rc.SearchParam, Values: []query.SearchValue{query.ParseSearchValue(rc.Value)}}
		ok, err := s.matchesParameter(ctx, tenantID, &sources[i], sp)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) matchesFilter(ctx context.Context, tenantID string, res *model.StoredResource, expr *query.FilterExpr) (bool, error) {
	switch {
	case expr.IsComparison:
		sp := query.SearchParameter{Name: expr.Param, Values: []query.SearchValue{{Prefix: storage.FilterOpToPrefix(expr.Op), Value: expr.Value}}}
		return s.matchesParameter(ctx, tenantID, res, sp)
	case expr.Negated != nil:
		ok, err := s.matchesFilter(ctx, tenantID, res, expr.Negated)
		return !ok, err
	default:
		left, err := s.matchesFilter(ctx, tenantID, res, expr.Left)
		if err != nil {
			return false, err
		}
		if expr.LogOp == query.LogicalAnd && !left {
			return false, nil
		}
		if expr.LogOp == query.LogicalOr && left {
			return true, nil
		}
		return s.matchesFilter(ctx, tenantID, res, expr.Right)
	}
}

// applySort orders results by each requested SortDirective, then appends
// (resource_id asc) as a deterministic final tie-breaker, matching
// storage.Memory's contract.
func (s *Store) applySort(resources []model.StoredResource, directives []query.SortDirective) {
	sort.SliceStable(resources, func(i, j int) bool {
		for _, d := range directives {
			vi := s.sortKey(&resources[i], d.Param)
			vj := s.sortKey(&resources[j], d.Param)
			if vi == vj {
				continue
			}
			if d.Descending {
				return vi > vj
			}
			return vi < vj
		}
		return resources[i].LogicalID < resources[j].LogicalID
	})
}

func (s *Store) sortKey(res *model.StoredResource, param string) string {
	if param == "_lastUpdated" {
		return res.LastModified.UTC().Format("20060102150405.000000000")
	}
	def, ok := s.registry.Lookup(param, res.ResourceType)
	if !ok {
		return ""
	}
	values, _ := indexvalue.Extract(res, def, s.eval)
	if len(values) == 0 {
		return ""
	}
	v := values[0]
	switch v.Kind {
	case indexvalue.KindString:
		return v.Str
	case indexvalue.KindToken:
		return v.Tok.Code
	case indexvalue.KindDate:
		return v.Dt.Value
	case indexvalue.KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	default:
		return ""
	}
}

// paginate slices the matched, sorted result set for one page. A forward
// cursor resumes just after its ID; a previous-page cursor (minted with
// query.CursorPrev) reverses the walk, slicing the count rows immediately
// before its ID so the client-visible order stays the same ascending/
// descending sort either way.
func (s *Store) paginate(resources []model.StoredResource, q *query.SearchQuery) (*storage.SearchResult, error) {
	count := q.Count
	if count <= 0 {
		count = 50
	}

	var start, end int
	if q.Cursor != "" {
		cursor, err := query.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, backend.New(backend.KindInvalidCursor, err.Error())
		}
		idx := indexOfID(resources, cursor.ID)
		if cursor.Direction == query.CursorPrev {
			if idx < 0 {
				idx = len(resources)
			}
			end = idx
			start = end - count
		} else {
			start = idx + 1
			end = start + count
		}
	} else {
		start = q.Offset
		end = start + count
	}
	if start < 0 {
		start = 0
	}
	if start > len(resources) {
		start = len(resources)
	}
	if end > len(resources) {
		end = len(resources)
	}
	if end < start {
		end = start
	}
	page := resources[start:end]

	hasMore := end < len(resources)
	hasPrev := start > 0

	result := &storage.SearchResult{Resources: page}
	result.Page.HasMore = hasMore
	result.Page.HasPrev = hasPrev
	if hasMore && len(page) > 0 {
		result.Page.NextCursor = query.EncodeCursor(query.PageCursor{ID: page[len(page)-1].LogicalID, Direction: query.CursorNext})
	}
	if hasPrev && len(page) > 0 {
		result.Page.PrevCursor = query.EncodeCursor(query.PageCursor{ID: page[0].LogicalID, Direction: query.CursorPrev})
	}
	for _, r := range page {
		result.Page.ResourceIDs = append(result.Page.ResourceIDs, r.LogicalID)
	}
	if q.Total == query.TotalAccurate {
		total := int64(len(resources))
		result.Page.Total = &total
	}
	return result, nil
}

func indexOfID(resources []model.StoredResource, id string) int {
	for i, r := range resources {
		if r.LogicalID == id {
			return i
		}
	}
	return -1
}
