package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/indexvalue"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/query"
	"github.com/fhircore/engine/internal/searchparam"
)

// Postgres is the relational reference backend: resources and every
// version of them live in plain tables, search parameters are projected
// into a value-typed search_index table on write, and Search translates a
// query.SearchQuery into a parameterized SQL statement rather than
// re-implementing FHIR's matching rules in Go the way Memory does.
//
// Table layout:
//
//	resources(tenant_id, resource_type, id, version_id, data, last_updated, is_deleted, fhir_version)
//	resource_history(tenant_id, resource_type, id, version_id, data, last_updated, is_deleted, method)
//	search_index(tenant_id, resource_type, resource_id, param_name, value_string, value_token_code,
//	             value_token_system, value_date, value_number, value_reference, value_uri,
//	             value_quantity_value, value_quantity_code, value_quantity_system)
type Postgres struct {
	backend.StaticCapabilities

	pool     *pgxpool.Pool
	registry *searchparam.Registry
	eval     fhirpath.Evaluator
	log      zerolog.Logger
}

// NewPostgres wraps an already-connected pool. Schema creation is the
// caller's responsibility; this package does not run migrations.
func NewPostgres(id string, pool *pgxpool.Pool, registry *searchparam.Registry, eval fhirpath.Evaluator, log zerolog.Logger) *Postgres {
	return &Postgres{
		StaticCapabilities: backend.NewStaticCapabilities(id, backend.KindRelational, nil),
		pool:               pool,
		registry:           registry,
		eval:               eval,
		log:                log,
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return backend.Wrap(backend.KindConnectionFailed, p.ID(), err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, tenantID, resourceType string, content []byte, fhirVersion model.FHIRVersion) (*model.StoredResource, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return nil, backend.New(backend.KindInvalidResource, "content is not valid JSON")
	}
	id := probe.ID
	if id == "" {
		id = NewLogicalID()
	}

	now := time.Now().UTC()
	res := model.StoredResource{
		ResourceType: resourceType,
		LogicalID:    id,
		TenantID:     tenantID,
		VersionID:    1,
		Content:      WithResourceIdentity(content, resourceType, id),
		CreatedAt:    now,
		LastModified: now,
		Method:       model.MethodCreate,
		FHIRVersion:  fhirVersion,
	}

	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT true FROM resources WHERE tenant_id=$1 AND resource_type=$2 AND id=$3`,
			tenantID, resourceType, id).Scan(&exists)
		if err == nil && exists {
			return backend.AlreadyExists(resourceType, id)
		} else if err != nil && err != pgx.ErrNoRows {
			return backend.Wrap(backend.KindQueryError, p.ID(), err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO resources (tenant_id, resource_type, id, version_id, data, last_updated, is_deleted, fhir_version)
			 VALUES ($1,$2,$3,$4,$5,$6,false,$7)`,
			tenantID, resourceType, id, int64(res.VersionID), []byte(res.Content), res.LastModified, string(fhirVersion)); err != nil {
			return backend.Wrap(backend.KindQueryError, p.ID(), err)
		}
		if err := p.appendHistory(ctx, tx, res); err != nil {
			return err
		}
		return p.reindex(ctx, tx, &res)
	})
	if err != nil {
		return nil, err
	}
	return CloneResource(&res), nil
}

func (p *Postgres) Read(ctx context.Context, tenantID, resourceType, id string) (*model.StoredResource, error) {
	var data []byte
	var versionID int64
	var lastUpdated time.Time
	var isDeleted bool
	var fhirVersion string

	err := p.pool.QueryRow(ctx,
		`SELECT data, version_id, last_updated, is_deleted, fhir_version
		 FROM resources WHERE tenant_id=$1 AND resource_type=$2 AND id=$3`,
		tenantID, resourceType, id).Scan(&data, &versionID, &lastUpdated, &isDeleted, &fhirVersion)
	if err == pgx.ErrNoRows {
		return nil, backend.NotFound(resourceType, id)
	}
	if err != nil {
		return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	if isDeleted {
		return nil, backend.Gone(resourceType, id)
	}
	return &model.StoredResource{
		ResourceType: resourceType,
		LogicalID:    id,
		TenantID:     tenantID,
		VersionID:    model.VersionID(versionID),
		Content:      data,
		LastModified: lastUpdated,
		FHIRVersion:  model.FHIRVersion(fhirVersion),
	}, nil
}

func (p *Postgres) Update(ctx context.Context, cur *model.StoredResource, newContent []byte) (*model.StoredResource, error) {
	expected := cur.VersionID
	return p.compareAndSwap(ctx, cur.TenantID, cur.ResourceType, cur.LogicalID, &expected, newContent, false)
}

func (p *Postgres) UpdateWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID, newContent []byte) (*model.StoredResource, error) {
	return p.compareAndSwap(ctx, tenantID, resourceType, id, &expectedVersion, newContent, false)
}

// compareAndSwap applies a write under FOR UPDATE row lock. expectedVersion
// nil means unconditional (used by Delete): the row is still locked and
// re-checked for existence/tombstone state, it just never compares against
// a caller-supplied version, so it cannot race a concurrent writer into a
// spurious conflict the way reading the version before opening the
// transaction would.
func (p *Postgres) compareAndSwap(ctx context.Context, tenantID, resourceType, id string, expectedVersion *model.VersionID, newContent []byte, isDelete bool) (*model.StoredResource, error) {
	var next model.StoredResource
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		var storedVersion int64
		var isDeleted bool
		var fhirVersion string
		var storedData []byte
		err := tx.QueryRow(ctx,
			`SELECT version_id, is_deleted, fhir_version, data FROM resources
			 WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 FOR UPDATE`,
			tenantID, resourceType, id).Scan(&storedVersion, &isDeleted, &fhirVersion, &storedData)
		if err == pgx.ErrNoRows {
			return backend.NotFound(resourceType, id)
		}
		if err != nil {
			return backend.Wrap(backend.KindQueryError, p.ID(), err)
		}
		if isDeleted {
			return backend.Gone(resourceType, id)
		}
		if expectedVersion != nil && model.VersionID(storedVersion) != *expectedVersion {
			return backend.VersionConflict(expectedVersion.String(), model.VersionID(storedVersion).String())
		}

		now := time.Now().UTC()
		next = model.StoredResource{
			ResourceType: resourceType,
			LogicalID:    id,
			TenantID:     tenantID,
			VersionID:    model.VersionID(storedVersion) + 1,
			LastModified: now,
			FHIRVersion:  model.FHIRVersion(fhirVersion),
		}
		if isDelete {
			next.Deleted = true
			next.DeletedAt = &now
			next.Method = model.MethodDelete
			next.Content = storedData // tombstone retains the last live payload
		} else {
			next.Content = WithResourceIdentity(newContent, resourceType, id)
			next.Method = model.MethodUpdate
		}

		if _, err := tx.Exec(ctx,
			`UPDATE resources SET version_id=$4, data=$5, last_updated=$6, is_deleted=$7
			 WHERE tenant_id=$1 AND resource_type=$2 AND id=$3`,
			tenantID, resourceType, id, int64(next.VersionID), []byte(next.Content), next.LastModified, next.Deleted); err != nil {
			return backend.Wrap(backend.KindQueryError, p.ID(), err)
		}
		if err := p.appendHistory(ctx, tx, next); err != nil {
			return err
		}
		if next.Deleted {
			if _, err := tx.Exec(ctx, `DELETE FROM search_index WHERE tenant_id=$1 AND resource_type=$2 AND resource_id=$3`, tenantID, resourceType, id); err != nil {
				return backend.Wrap(backend.KindQueryError, p.ID(), err)
			}
			return nil
		}
		return p.reindex(ctx, tx, &next)
	})
	if err != nil {
		return nil, err
	}
	return CloneResource(&next), nil
}

func (p *Postgres) Delete(ctx context.Context, tenantID, resourceType, id string) error {
	_, err := p.compareAndSwap(ctx, tenantID, resourceType, id, nil, nil, true)
	return err
}

func (p *Postgres) DeleteWithMatch(ctx context.Context, tenantID, resourceType, id string, expectedVersion model.VersionID) error {
	_, err := p.compareAndSwap(ctx, tenantID, resourceType, id, &expectedVersion, nil, true)
	return err
}

func (p *Postgres) Vread(ctx context.Context, tenantID, resourceType, id string, versionID model.VersionID) (*model.StoredResource, error) {
	var data []byte
	var lastUpdated time.Time
	var isDeleted bool
	var method string
	err := p.pool.QueryRow(ctx,
		`SELECT data, last_updated, is_deleted, method FROM resource_history
		 WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND version_id=$4`,
		tenantID, resourceType, id, int64(versionID)).Scan(&data, &lastUpdated, &isDeleted, &method)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	return &model.StoredResource{
		ResourceType: resourceType, LogicalID: id, TenantID: tenantID,
		VersionID: versionID, Content: data, LastModified: lastUpdated,
		Deleted: isDeleted, Method: model.WriteMethod(method),
	}, nil
}

func (p *Postgres) ListVersions(ctx context.Context, tenantID, resourceType, id string) ([]model.VersionID, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT version_id FROM resource_history WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 ORDER BY version_id ASC`,
		tenantID, resourceType, id)
	if err != nil {
		return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	defer rows.Close()
	var out []model.VersionID
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
		}
		out = append(out, model.VersionID(v))
	}
	return out, rows.Err()
}

func (p *Postgres) Count(ctx context.Context, tenantID, resourceType string) (int64, error) {
	var n int64
	q := `SELECT count(*) FROM resources WHERE tenant_id=$1 AND is_deleted=false`
	args := []any{tenantID}
	if resourceType != "" {
		q += ` AND resource_type=$2`
		args = append(args, resourceType)
	}
	if err := p.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	return n, nil
}

// appendHistory writes one immutable history row. Caller must be inside
// the same transaction as the resources table write it accompanies.
func (p *Postgres) appendHistory(ctx context.Context, tx pgx.Tx, res model.StoredResource) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO resource_history (tenant_id, resource_type, id, version_id, data, last_updated, is_deleted, method)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		res.TenantID, res.ResourceType, res.LogicalID, int64(res.VersionID), []byte(res.Content), res.LastModified, res.Deleted, string(res.Method))
	if err != nil {
		return backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	return nil
}

// reindex deletes and repopulates a resource's search_index rows from its
// registered search parameter definitions, the same extraction Memory uses
// via indexvalue.Extract but persisted as value-typed rows instead of
// matched in process.
func (p *Postgres) reindex(ctx context.Context, tx pgx.Tx, res *model.StoredResource) error {
	if _, err := tx.Exec(ctx, `DELETE FROM search_index WHERE tenant_id=$1 AND resource_type=$2 AND resource_id=$3`,
		res.TenantID, res.ResourceType, res.LogicalID); err != nil {
		return backend.Wrap(backend.KindQueryError, p.ID(), err)
	}

	for _, def := range p.registry.IterForBase(res.ResourceType) {
		values, failures := indexvalue.Extract(res, def, p.eval)
		for _, f := range failures {
			p.log.Debug().Str("param", def.Code).Str("resource", res.LogicalID).Err(f).Msg("search index conversion skipped")
		}
		for _, v := range values {
			if err := p.insertIndexRow(ctx, tx, res, def.Code, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Postgres) insertIndexRow(ctx context.Context, tx pgx.Tx, res *model.StoredResource, param string, v indexvalue.IndexValue) error {
	var str, tokCode, tokSystem, date, ref, uri, qtyCode, qtySystem *string
	var num, qtyValue *float64

	switch v.Kind {
	case indexvalue.KindString:
		str = &v.Str
	case indexvalue.KindToken:
		if v.Tok.Code != "" {
			tokCode = &v.Tok.Code
		}
		if v.Tok.System != "" {
			tokSystem = &v.Tok.System
		}
	case indexvalue.KindDate:
		date = &v.Dt.Value
	case indexvalue.KindNumber:
		num = &v.Num
	case indexvalue.KindQuantity:
		qtyValue = &v.Qty.Value
		if v.Qty.Code != "" {
			qtyCode = &v.Qty.Code
		}
		if v.Qty.System != "" {
			qtySystem = &v.Qty.System
		}
	case indexvalue.KindReference:
		reference := v.Ref.ResourceType + "/" + v.Ref.ResourceID
		ref = &reference
	case indexvalue.KindURI:
		uri = &v.URI
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO search_index (tenant_id, resource_type, resource_id, param_name,
		   value_string, value_token_code, value_token_system, value_date, value_number,
		   value_reference, value_uri, value_quantity_value, value_quantity_code, value_quantity_system)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		res.TenantID, res.ResourceType, res.LogicalID, param,
		str, tokCode, tokSystem, date, num, ref, uri, qtyValue, qtyCode, qtySystem)
	if err != nil {
		return backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	return nil
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return backend.Wrap(backend.KindConnectionFailed, p.ID(), err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	return nil
}

// --- history views ---

func (p *Postgres) InstanceHistory(ctx context.Context, tenantID, resourceType, id string, filter HistoryFilter) (*HistoryPage, error) {
	return p.historyQuery(ctx,
		`SELECT data, last_updated, is_deleted, method FROM resource_history
		 WHERE tenant_id=$1 AND resource_type=$2 AND id=$3`,
		[]any{tenantID, resourceType, id}, filter)
}

func (p *Postgres) TypeHistory(ctx context.Context, tenantID, resourceType string, filter HistoryFilter) (*HistoryPage, error) {
	return p.historyQuery(ctx,
		`SELECT data, last_updated, is_deleted, method FROM resource_history
		 WHERE tenant_id=$1 AND resource_type=$2`,
		[]any{tenantID, resourceType}, filter)
}

func (p *Postgres) SystemHistory(ctx context.Context, tenantID string, filter HistoryFilter) (*HistoryPage, error) {
	return p.historyQuery(ctx,
		`SELECT data, last_updated, is_deleted, method FROM resource_history WHERE tenant_id=$1`,
		[]any{tenantID}, filter)
}

func (p *Postgres) historyQuery(ctx context.Context, baseQuery string, args []any, filter HistoryFilter) (*HistoryPage, error) {
	q := baseQuery
	if filter.Since != nil {
		args = append(args, *filter.Since)
		q += fmt.Sprintf(" AND last_updated >= $%d", len(args))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		q += fmt.Sprintf(" AND last_updated < $%d", len(args))
	}
	q += " ORDER BY last_updated DESC, id ASC"

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	defer rows.Close()

	count := filter.Count
	if count <= 0 {
		count = 50
	}
	page := &HistoryPage{}
	for rows.Next() {
		var data []byte
		var lastUpdated time.Time
		var isDeleted bool
		var method string
		if err := rows.Scan(&data, &lastUpdated, &isDeleted, &method); err != nil {
			return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
		}
		if len(page.Entries) == count {
			page.HasMore = true
			break
		}
		page.Entries = append(page.Entries, HistoryEntry{
			Resource: model.StoredResource{Content: data, LastModified: lastUpdated, Deleted: isDeleted, Method: model.WriteMethod(method)},
			Method:   model.WriteMethod(method),
		})
	}
	return page, rows.Err()
}

// --- search ---

// Search translates q into a search_index query: every non-chained,
// non-filter parameter becomes an `EXISTS` subquery against search_index,
// AND-combined across parameters and OR-combined across one parameter's
// values, matching the relational layout's per-value-column design.
// Chains, `_has` and `_filter` need the target/source resource's own
// parameters resolved recursively, which this backend evaluates the same
// way the in-memory reference backend does: by reading the candidate set
// back out of Postgres and continuing the match in process, rather than
// compiling arbitrarily deep joins.
func (p *Postgres) Search(ctx context.Context, tenantID string, q *query.SearchQuery) (*SearchResult, error) {
	var b strings.Builder
	args := []any{tenantID, q.ResourceType}
	b.WriteString(`SELECT id, data, version_id, last_updated, fhir_version FROM resources
	 WHERE tenant_id=$1 AND resource_type=$2 AND is_deleted=false`)

	for _, param := range q.Parameters {
		if len(param.Chain) > 0 {
			continue // resolved in process below
		}
		clause, newArgs, ok := p.existsClauseFor(param, args)
		if !ok {
			continue
		}
		args = newArgs
		b.WriteString(" AND ")
		b.WriteString(clause)
	}
	b.WriteString(" ORDER BY last_updated DESC, id ASC")

	rows, err := p.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	var candidates []model.StoredResource
	for rows.Next() {
		var id string
		var data []byte
		var versionID int64
		var lastUpdated time.Time
		var fhirVersion string
		if err := rows.Scan(&id, &data, &versionID, &lastUpdated, &fhirVersion); err != nil {
			rows.Close()
			return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
		}
		candidates = append(candidates, model.StoredResource{
			ResourceType: q.ResourceType, LogicalID: id, TenantID: tenantID,
			VersionID: model.VersionID(versionID), Content: data, LastModified: lastUpdated,
			FHIRVersion: model.FHIRVersion(fhirVersion),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}

	// Chains, reverse chains and _filter fall back to in-process matching
	// over the SQL-narrowed candidate set.
	matched := candidates
	if needsInProcessMatch(q) {
		matched = matched[:0]
		for _, res := range candidates {
			ok, err := p.matchesRemaining(ctx, tenantID, &res, q)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, res)
			}
		}
	}

	return p.paginate(matched, q)
}

func needsInProcessMatch(q *query.SearchQuery) bool {
	if q.Filter != nil || len(q.ReverseChains) > 0 {
		return true
	}
	for _, p := range q.Parameters {
		if len(p.Chain) > 0 {
			return true
		}
	}
	return false
}

func (p *Postgres) matchesRemaining(ctx context.Context, tenantID string, res *model.StoredResource, q *query.SearchQuery) (bool, error) {
	for _, param := range q.Parameters {
		if len(param.Chain) == 0 {
			continue // already narrowed in SQL
		}
		ok, err := p.matchesChain(ctx, tenantID, res, param)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, rc := range q.ReverseChains {
		ok, err := p.matchesReverseChain(ctx, tenantID, res, rc)
		if err != nil || !ok {
			return false, err
		}
	}
	if q.Filter != nil {
		return p.matchesFilter(ctx, tenantID, res, q.Filter)
	}
	return true, nil
}

func (p *Postgres) matchesChain(ctx context.Context, tenantID string, res *model.StoredResource, param query.SearchParameter) (bool, error) {
	target := res
	for _, hop := range param.Chain {
		ref, err := p.resolveReference(ctx, tenantID, target, hop.ReferenceParam, hop.TargetType)
		if err != nil {
			return false, err
		}
		if ref == nil {
			return false, nil
		}
		target = ref
	}
	leaf := query.SearchParameter{Name: param.Name, Values: param.Values, Modifier: param.Modifier}
	def, ok := p.registry.Lookup(leaf.Name, target.ResourceType)
	if !ok {
		def, ok = p.registry.Lookup(leaf.Name, "Resource")
	}
	if !ok {
		return false, backend.InvalidParameter(leaf.Name, "unknown search parameter")
	}
	values, _ := indexvalue.Extract(target, def, p.eval)
	for _, sv := range leaf.Values {
		for _, iv := range values {
			if MatchValue(iv, sv, leaf.Modifier) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (p *Postgres) resolveReference(ctx context.Context, tenantID string, base *model.StoredResource, refParam, targetType string) (*model.StoredResource, error) {
	def, ok := p.registry.Lookup(refParam, base.ResourceType)
	if !ok {
		return nil, backend.InvalidParameter(refParam, "unknown reference search parameter")
	}
	values, _ := indexvalue.Extract(base, def, p.eval)
	for _, v := range values {
		if v.Kind != indexvalue.KindReference {
			continue
		}
		if targetType != "" && v.Ref.ResourceType != targetType {
			continue
		}
		res, err := p.Read(ctx, tenantID, v.Ref.ResourceType, v.Ref.ResourceID)
		if err != nil {
			continue
		}
		return res, nil
	}
	return nil, nil
}

func (p *Postgres) matchesReverseChain(ctx context.Context, tenantID string, res *model.StoredResource, rc query.ReverseChain) (bool, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, data, version_id, last_updated, fhir_version FROM resources
		 WHERE tenant_id=$1 AND resource_type=$2 AND is_deleted=false`,
		tenantID, rc.SourceType)
	if err != nil {
		return false, backend.Wrap(backend.KindQueryError, p.ID(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var data []byte
		var versionID int64
		var lastUpdated time.Time
		var fhirVersion string
		if err := rows.Scan(&id, &data, &versionID, &lastUpdated, &fhirVersion); err != nil {
			return false, backend.Wrap(backend.KindQueryError, p.ID(), err)
		}
		src := model.StoredResource{
			ResourceType: rc.SourceType, LogicalID: id, TenantID: tenantID,
			VersionID: model.VersionID(versionID), Content: data, LastModified: lastUpdated,
			FHIRVersion: model.FHIRVersion(fhirVersion),
		}
		ref, err := p.resolveReference(ctx, tenantID, &src, rc.ReferenceParam, res.ResourceType)
		if err != nil || ref == nil || ref.LogicalID != res.LogicalID {
			continue
		}
		if rc.Nested != nil {
			if ok, err := p.matchesReverseChain(ctx, tenantID, &src, *rc.Nested); err != nil {
				return false, err
			} else if ok {
				return true, nil
			}
			continue
		}
		sp := query.SearchParameter{Name: rc.SearchParam, Values: []query.SearchValue{query.ParseSearchValue(rc.Value)}}
		if ok, err := p.matchesChain(ctx, tenantID, &src, sp); err != nil {
			return false, err
		} else if ok {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (p *Postgres) matchesFilter(ctx context.Context, tenantID string, res *model.StoredResource, expr *query.FilterExpr) (bool, error) {
	switch {
	case expr.IsComparison:
		sp := query.SearchParameter{Name: expr.Param, Values: []query.SearchValue{{Prefix: FilterOpToPrefix(expr.Op), Value: expr.Value}}}
		return p.matchesChain(ctx, tenantID, res, sp)
	case expr.Negated != nil:
		ok, err := p.matchesFilter(ctx, tenantID, res, expr.Negated)
		return !ok, err
	default:
		left, err := p.matchesFilter(ctx, tenantID, res, expr.Left)
		if err != nil {
			return false, err
		}
		if expr.LogOp == query.LogicalAnd && !left {
			return false, nil
		}
		if expr.LogOp == query.LogicalOr && left {
			return true, nil
		}
		return p.matchesFilter(ctx, tenantID, res, expr.Right)
	}
}

// existsClauseFor renders one search_index EXISTS subquery for a
// non-chained parameter, OR-combining its value list and appending its
// bind args to args. Returns ok=false for parameters this SQL layer leaves
// to in-process matching (handled by the caller instead).
func (p *Postgres) existsClauseFor(param query.SearchParameter, args []any) (string, []any, bool) {
	if param.Modifier == query.ModMissing {
		return "", args, false
	}
	column, ok := indexColumnFor(param)
	if !ok {
		return "", args, false
	}

	var ors []string
	for _, v := range param.Values {
		args = append(args, param.Name)
		paramArg := len(args)
		args = append(args, v.Value)
		valueArg := len(args)
		ors = append(ors, fmt.Sprintf("(param_name=$%d AND %s=$%d)", paramArg, column, valueArg))
	}
	clause := fmt.Sprintf(
		`EXISTS (SELECT 1 FROM search_index si WHERE si.tenant_id=$1 AND si.resource_type=$2
		 AND si.resource_id=resources.id AND (%s))`,
		strings.Join(ors, " OR "))
	return clause, args, true
}

// indexColumnFor picks the search_index value column a parameter's values
// compare against. Prefix-bearing comparisons (gt/lt/_filter operators)
// and quantity/token composite values are left to in-process matching,
// where the full per-type comparison semantics in match.go already apply.
func indexColumnFor(param query.SearchParameter) (string, bool) {
	if len(param.Values) == 0 {
		return "", false
	}
	for _, v := range param.Values {
		if v.Prefix != "" && v.Prefix != query.PrefixEq {
			return "", false
		}
		if strings.Contains(v.Value, "|") {
			return "", false
		}
	}
	switch param.ParamType {
	case searchparam.TypeToken:
		return "value_token_code", true
	case searchparam.TypeDate:
		return "value_date", true
	case searchparam.TypeNumber:
		return "value_number", true
	case searchparam.TypeURI:
		return "value_uri", true
	case searchparam.TypeReference:
		return "value_reference", true
	default:
		return "value_string", true
	}
}

// paginate slices the matched, sorted result set for one page. A forward
// cursor resumes just after its ID; a previous-page cursor (minted with
// query.CursorPrev) reverses the walk, slicing the count rows immediately
// before its ID so the client-visible order stays the same ascending/
// descending sort either way.
func (p *Postgres) paginate(resources []model.StoredResource, q *query.SearchQuery) (*SearchResult, error) {
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

// Schema is the DDL a deployment applies before a Postgres backend can
// serve traffic. Exposed as a constant rather than executed automatically:
// running migrations is an operational concern this package stays out of.
const Schema = `
CREATE TABLE IF NOT EXISTS resources (
	tenant_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	id TEXT NOT NULL,
	version_id BIGINT NOT NULL,
	data JSONB NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	fhir_version TEXT NOT NULL,
	PRIMARY KEY (tenant_id, resource_type, id)
);
CREATE INDEX IF NOT EXISTS resources_pagination_idx ON resources (tenant_id, resource_type, last_updated DESC, id DESC);

CREATE TABLE IF NOT EXISTS resource_history (
	tenant_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	id TEXT NOT NULL,
	version_id BIGINT NOT NULL,
	data JSONB NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	is_deleted BOOLEAN NOT NULL DEFAULT false,
	method TEXT NOT NULL,
	PRIMARY KEY (tenant_id, resource_type, id, version_id)
);

CREATE TABLE IF NOT EXISTS search_index (
	tenant_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	param_name TEXT NOT NULL,
	value_string TEXT,
	value_token_code TEXT,
	value_token_system TEXT,
	value_date TEXT,
	value_number DOUBLE PRECISION,
	value_reference TEXT,
	value_uri TEXT,
	value_quantity_value DOUBLE PRECISION,
	value_quantity_code TEXT,
	value_quantity_system TEXT
);
CREATE INDEX IF NOT EXISTS search_index_lookup_idx ON search_index (tenant_id, resource_type, param_name, value_string, value_token_code, value_date, value_number, value_reference, value_uri);
`
