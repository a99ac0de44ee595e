package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/indexvalue"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/query"
)

// Search implements query.SearchQuery evaluation against the in-memory
// resource set: AND across distinct parameters, OR within one parameter's
// values, a final (resource_id asc) sort tie-breaker, and
// offset-or-cursor pagination.
func (m *Memory) Search(ctx context.Context, tenantID string, q *query.SearchQuery) (*SearchResult, error) {
	m.mu.RLock()
	candidates := make([]model.StoredResource, 0, len(m.resources))
	for key, cur := range m.resources {
		if key.TenantID != tenantID || key.ResourceType != q.ResourceType || cur.resource.Deleted {
			continue
		}
		candidates = append(candidates, cur.resource)
	}
	m.mu.RUnlock()

	matched := make([]model.StoredResource, 0, len(candidates))
	for _, res := range candidates {
		ok, err := m.matchesQuery(ctx, tenantID, &res, q)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, res)
		}
	}

	if err := m.applySort(matched, q.Sort); err != nil {
		return nil, err
	}

	return m.paginate(matched, q)
}

func (m *Memory) matchesQuery(ctx context.Context, tenantID string, res *model.StoredResource, q *query.SearchQuery) (bool, error) {
	for _, p := range q.Parameters {
		ok, err := m.matchesParameter(ctx, tenantID, res, p)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	for _, rc := range q.ReverseChains {
		ok, err := m.matchesReverseChain(ctx, tenantID, res, rc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if q.Filter != nil {
		ok, err := m.matchesFilter(ctx, tenantID, res, q.Filter)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchesParameter resolves a (possibly chained) search parameter against
// res. Chains fold left to right: each hop reads the referenced resource
// and continues matching from there, terminating on the base resource that
// declares the final search code.
func (m *Memory) matchesParameter(ctx context.Context, tenantID string, res *model.StoredResource, p query.SearchParameter) (bool, error) {
	target := res
	for _, hop := range p.Chain {
		ref, err := m.resolveReference(ctx, tenantID, target, hop.ReferenceParam, hop.TargetType)
		if err != nil {
			return false, err
		}
		if ref == nil {
			return false, nil
		}
		target = ref
	}

	def, ok := m.registry.Lookup(p.Name, target.ResourceType)
	if !ok {
		def, ok = m.registry.Lookup(p.Name, "Resource")
	}
	if !ok {
		return false, backend.InvalidParameter(p.Name, "unknown search parameter")
	}

	values, failures := indexvalue.Extract(target, def, m.eval)
	_ = failures // per-value conversion failures do not abort the resource match

	if p.Modifier == query.ModMissing {
		isMissing := len(values) == 0
		want := len(p.Values) == 1 && p.Values[0].Value == "true"
		return isMissing == want, nil
	}

	for _, sv := range p.Values {
		for _, iv := range values {
			if MatchValue(iv, sv, p.Modifier) {
				return true, nil
			}
		}
	}
	return false, nil
}

// resolveReference follows a reference-typed search parameter on base to
// the target resource it points at, restricted to targetType when given.
func (m *Memory) resolveReference(ctx context.Context, tenantID string, base *model.StoredResource, refParam, targetType string) (*model.StoredResource, error) {
	def, ok := m.registry.Lookup(refParam, base.ResourceType)
	if !ok {
		return nil, backend.InvalidParameter(refParam, "unknown reference search parameter")
	}
	values, _ := indexvalue.Extract(base, def, m.eval)
	for _, v := range values {
		if v.Kind != indexvalue.KindReference {
			continue
		}
		if targetType != "" && v.Ref.ResourceType != targetType {
			continue
		}
		res, err := m.Read(ctx, tenantID, v.Ref.ResourceType, v.Ref.ResourceID)
		if err != nil {
			continue
		}
		return res, nil
	}
	return nil, nil
}

// matchesReverseChain implements `_has`: res (of the base type) matches if
// some resource of SourceType references res via ReferenceParam and itself
// matches SearchParam=Value (or recurses into Nested).
func (m *Memory) matchesReverseChain(ctx context.Context, tenantID string, res *model.StoredResource, rc query.ReverseChain) (bool, error) {
	m.mu.RLock()
	var sources []model.StoredResource
	for key, cur := range m.resources {
		if key.TenantID == tenantID && key.ResourceType == rc.SourceType && !cur.resource.Deleted {
			sources = append(sources, cur.resource)
		}
	}
	m.mu.RUnlock()

	for _, src := range sources {
		ref, err := m.resolveReference(ctx, tenantID, &src, rc.ReferenceParam, res.ResourceType)
		if err != nil || ref == nil || ref.LogicalID != res.LogicalID {
			continue
		}
		if rc.Nested != nil {
			ok, err := m.matchesReverseChain(ctx, tenantID, &src, *rc.Nested)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
			continue
		}
		sp := query.SearchParameter{Name: rc.SearchParam, Values: []query.SearchValue{query.ParseSearchValue(rc.Value)}}
		ok, err := m.matchesParameter(ctx, tenantID, &src, sp)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// matchesFilter evaluates a `_filter` expression tree against res.
func (m *Memory) matchesFilter(ctx context.Context, tenantID string, res *model.StoredResource, expr *query.FilterExpr) (bool, error) {
	switch {
	case expr.IsComparison:
		sp := query.SearchParameter{Name: expr.Param, Values: []query.SearchValue{{Prefix: FilterOpToPrefix(expr.Op), Value: expr.Value}}}
		return m.matchesParameter(ctx, tenantID, res, sp)
	case expr.Negated != nil:
		ok, err := m.matchesFilter(ctx, tenantID, res, expr.Negated)
		return !ok, err
	default:
		left, err := m.matchesFilter(ctx, tenantID, res, expr.Left)
		if err != nil {
			return false, err
		}
		if expr.LogOp == query.LogicalAnd && !left {
			return false, nil
		}
		if expr.LogOp == query.LogicalOr && left {
			return true, nil
		}
		return m.matchesFilter(ctx, tenantID, res, expr.Right)
	}
}

func FilterOpToPrefix(op query.FilterOp) query.Prefix {
	switch op {
	case query.FilterGt:
		return query.PrefixGt
	case query.FilterLt:
		return query.PrefixLt
	case query.FilterGe:
		return query.PrefixGe
	case query.FilterLe:
		return query.PrefixLe
	case query.FilterNe:
		return query.PrefixNe
	case query.FilterSa:
		return query.PrefixSa
	case query.FilterEb:
		return query.PrefixEb
	case query.FilterAp:
		return query.PrefixAp
	default:
		// co/sw/ew/eq all resolve to an eq-prefixed value. The original
		// FilterOp is not carried further, so on string parameters all
		// four get MatchString's default case-insensitive starts-with test.
		return query.PrefixEq
	}
}

// MatchValue applies the FHIR per-type comparison rules for one extracted
// IndexValue against one requested SearchValue.
func MatchValue(iv indexvalue.IndexValue, sv query.SearchValue, modifier query.Modifier) bool {
	switch iv.Kind {
	case indexvalue.KindString:
		return MatchString(iv.Str, sv.Value, modifier)
	case indexvalue.KindToken:
		return MatchToken(iv.Tok, sv.Value)
	case indexvalue.KindURI:
		return iv.URI == sv.Value
	case indexvalue.KindDate:
		return MatchDate(iv.Dt.Value, sv)
	case indexvalue.KindNumber:
		return MatchNumber(iv.Num, sv)
	case indexvalue.KindQuantity:
		return MatchQuantity(iv.Qty, sv)
	case indexvalue.KindReference:
		return MatchReference(iv.Ref, sv.Value)
	default:
		return false
	}
}

func MatchString(have, want string, modifier query.Modifier) bool {
	have, want = strings.ToLower(have), strings.ToLower(want)
	switch modifier {
	case query.ModExact:
		return have == want
	case query.ModContains:
		return strings.Contains(have, want)
	default:
		return strings.HasPrefix(have, want)
	}
}

func MatchToken(tok indexvalue.Token, want string) bool {
	if system, code, ok := strings.Cut(want, "|"); ok {
		if system == "" {
			return tok.Code == code
		}
		return tok.System == system && tok.Code == code
	}
	return tok.Code == want || tok.Display == want
}

func MatchReference(ref indexvalue.Reference, want string) bool {
	if want == ref.Reference {
		return true
	}
	if typ, id, ok := strings.Cut(want, "/"); ok {
		return ref.ResourceType == typ && ref.ResourceID == id
	}
	return ref.ResourceID == want
}

func MatchNumber(have float64, sv query.SearchValue) bool {
	want, err := strconv.ParseFloat(sv.Value, 64)
	if err != nil {
		return false
	}
	return CompareOrdered(have, want, sv.Prefix)
}

func MatchQuantity(have indexvalue.Quantity, sv query.SearchValue) bool {
	value := sv.Value
	if parts := strings.SplitN(sv.Value, "|", 3); len(parts) == 3 {
		value = parts[0]
		if parts[1] != "" && parts[1] != have.System {
			return false
		}
		if parts[2] != "" && parts[2] != have.Code {
			return false
		}
	}
	want, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	return CompareOrdered(have.Value, want, sv.Prefix)
}

func CompareOrdered(have, want float64, prefix query.Prefix) bool {
	switch prefix {
	case query.PrefixGt, query.PrefixSa:
		return have > want
	case query.PrefixLt, query.PrefixEb:
		return have < want
	case query.PrefixGe:
		return have >= want
	case query.PrefixLe:
		return have <= want
	case query.PrefixNe:
		return have != want
	case query.PrefixAp:
		tolerance := want * 0.1
		if tolerance == 0 {
			tolerance = 0.1
		}
		diff := have - want
		if diff < 0 {
			diff = -diff
		}
		return diff <= tolerance
	default:
		return have == want
	}
}

func MatchDate(have string, sv query.SearchValue) bool {
	switch sv.Prefix {
	case query.PrefixGt, query.PrefixSa:
		return have > sv.Value
	case query.PrefixLt, query.PrefixEb:
		return have < sv.Value
	case query.PrefixGe:
		return have >= sv.Value
	case query.PrefixLe:
		return have <= sv.Value
	case query.PrefixNe:
		return have != sv.Value
	case query.PrefixAp:
		return strings.HasPrefix(have, sv.Value[:minInt(len(have), len(sv.Value))])
	default:
		return strings.HasPrefix(have, sv.Value)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// applySort orders results by each requested SortDirective, then appends
// (resource_id asc) as a deterministic final tie-breaker.
func (m *Memory) applySort(resources []model.StoredResource, directives []query.SortDirective) error {
	sort.SliceStable(resources, func(i, j int) bool {
		for _, d := range directives {
			vi := m.sortKey(&resources[i], d.Param)
			vj := m.sortKey(&resources[j], d.Param)
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
	return nil
}

func (m *Memory) sortKey(res *model.StoredResource, param string) string {
	if param == "_lastUpdated" {
		return res.LastModified.UTC().Format("20060102150405.000000000")
	}
	def, ok := m.registry.Lookup(param, res.ResourceType)
	if !ok {
		return ""
	}
	values, _ := indexvalue.Extract(res, def, m.eval)
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
func (m *Memory) paginate(resources []model.StoredResource, q *query.SearchQuery) (*SearchResult, error) {
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

	result := &SearchResult{Resources: page}
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
