package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhircore/engine/internal/analyzer"
	"github.com/fhircore/engine/internal/backend"
	"github.com/fhircore/engine/internal/bulkexport"
	"github.com/fhircore/engine/internal/bulksubmit"
	"github.com/fhircore/engine/internal/bundle"
	"github.com/fhircore/engine/internal/config"
	"github.com/fhircore/engine/internal/fhirpath"
	"github.com/fhircore/engine/internal/logging"
	"github.com/fhircore/engine/internal/model"
	"github.com/fhircore/engine/internal/query"
	"github.com/fhircore/engine/internal/router"
	"github.com/fhircore/engine/internal/searchparam"
	"github.com/fhircore/engine/internal/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhircore-demo",
		Short: "Composite FHIR persistence engine demo",
	}

	rootCmd.AddCommand(smokeCmd())
	rootCmd.AddCommand(routeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func smokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "Run the create/update/delete, search, transaction and bulk scenarios end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSmoke()
		},
	}
}

func routeCmd() *cobra.Command {
	var resourceType string
	var params []string
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Analyze a search query and print the routing decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoute(resourceType, params)
		},
	}
	cmd.Flags().StringVar(&resourceType, "type", "Patient", "resource type")
	cmd.Flags().StringSliceVar(&params, "param", nil, "search parameter as name=value, repeatable")
	return cmd
}

// memoryCapabilities reflects what storage.Memory actually supports
// in-process: chained and reverse-chained search resolve by following
// references through Memory itself, not just the conservative defaults
// backend.DefaultCapabilities assumes for an object-store kind.
func memoryCapabilities() backend.CapabilitySet {
	return backend.NewCapabilitySet(
		backend.CapCrud, backend.CapVersioning, backend.CapInstanceHistory,
		backend.CapTypeHistory, backend.CapSystemHistory,
		backend.CapBasicSearch, backend.CapDateSearch, backend.CapQuantitySearch,
		backend.CapReferenceSearch, backend.CapChainedSearch, backend.CapReverseChaining,
		backend.CapOptimisticLocking, backend.CapCursorPagination, backend.CapOffsetPagination,
		backend.CapSorting, backend.CapBulkExport, backend.CapTenancySharedDB,
	)
}

func buildEngine() (*storage.Memory, *router.CompositeConfig, *analyzer.Analyzer, error) {
	registry := searchparam.NewRegistry()
	if err := searchparam.LoadSeed(registry); err != nil {
		return nil, nil, nil, fmt.Errorf("load search parameter seed: %w", err)
	}

	store := storage.NewMemory("memory-primary", registry, fhirpath.Naive)

	entry := router.NewBackendEntry("memory-primary", router.RolePrimary, backend.KindObjectStore)
	entry.Capabilities = memoryCapabilities()

	cfg, err := router.NewConfigBuilder().WithBackend(entry).Build()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build composite config: %w", err)
	}

	return store, cfg, analyzer.New(registry), nil
}

func splitParam(p string) (name, value string, ok bool) {
	for i := 0; i < len(p); i++ {
		if p[i] == '=' {
			return p[:i], p[i+1:], true
		}
	}
	return "", "", false
}

func featureNames(a *analyzer.Analysis) []string {
	var out []string
	for f, present := range a.Features {
		if present {
			out = append(out, string(f))
		}
	}
	return out
}

func runRoute(resourceType string, rawParams []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	_, composite, an, err := buildEngine()
	if err != nil {
		return err
	}

	raw := map[string][]string{}
	for _, p := range rawParams {
		name, value, ok := splitParam(p)
		if !ok {
			return fmt.Errorf("malformed --param %q, expected name=value", p)
		}
		raw[name] = append(raw[name], value)
	}

	q, err := query.ParseQuery(resourceType, raw, cfg.SearchDefaultCount, cfg.SearchMaxCount)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}

	analysis := an.Analyze(resourceType, q)
	rtr := router.New(composite)
	decision, err := rtr.Route(analysis)
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}

	log.Info().
		Strs("features", featureNames(analysis)).
		Int("complexity", analysis.ComplexityScore).
		Str("primary_target", decision.PrimaryTarget).
		Str("merge_strategy", string(decision.MergeStrategy)).
		Msg("routing decision")
	return nil
}

func runSmoke() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	store, composite, an, err := buildEngine()
	if err != nil {
		return err
	}
	rtr := router.New(composite)
	ctx := context.Background()
	const tenant = "t1"

	log.Info().Msg("starting scenario S1: create/update/delete flow")
	if err := scenarioCreateUpdateDelete(ctx, store, log, tenant); err != nil {
		return fmt.Errorf("S1 failed: %w", err)
	}

	log.Info().Msg("starting scenario S2: concurrent create race")
	if err := scenarioConcurrentCreate(ctx, store, log, tenant); err != nil {
		return fmt.Errorf("S2 failed: %w", err)
	}

	log.Info().Msg("starting scenario S3: cursor pagination")
	if err := scenarioCursorPagination(ctx, store, log, cfg, tenant); err != nil {
		return fmt.Errorf("S3 failed: %w", err)
	}

	log.Info().Msg("starting scenario S4: include resolution")
	if err := scenarioIncludeResolution(ctx, store, log, cfg, tenant); err != nil {
		return fmt.Errorf("S4 failed: %w", err)
	}

	log.Info().Msg("starting scenario S5: reverse chain")
	if err := scenarioReverseChain(ctx, store, log, cfg, tenant); err != nil {
		return fmt.Errorf("S5 failed: %w", err)
	}

	log.Info().Msg("starting scenario S6: transaction rollback on failure")
	if err := scenarioTransactionRollback(ctx, store, log, tenant); err != nil {
		return fmt.Errorf("S6 failed: %w", err)
	}

	log.Info().Msg("starting scenario S7: bulk export happy path")
	if err := scenarioBulkExport(ctx, store, log, cfg, tenant); err != nil {
		return fmt.Errorf("S7 failed: %w", err)
	}

	log.Info().Msg("starting scenario S8: bulk submit with errors and cap")
	if err := scenarioBulkSubmit(ctx, store, log, tenant); err != nil {
		return fmt.Errorf("S8 failed: %w", err)
	}

	// Exercise the router/analyzer pair once on a chained query so the
	// composite routing path is touched by the smoke run too.
	q, err := query.ParseQuery("Observation", map[string][]string{"subject.name": {"Doe"}}, cfg.SearchDefaultCount, cfg.SearchMaxCount)
	if err != nil {
		return fmt.Errorf("parse chained query: %w", err)
	}
	analysis := an.Analyze("Observation", q)
	decision, err := rtr.Route(analysis)
	if err != nil {
		return fmt.Errorf("route chained query: %w", err)
	}
	log.Info().Str("primary_target", decision.PrimaryTarget).Int("complexity", analysis.ComplexityScore).Msg("chained query routed")

	log.Info().Msg("all scenarios passed")
	return nil
}

func scenarioCreateUpdateDelete(ctx context.Context, store *storage.Memory, log zerolog.Logger, tenant string) error {
	created, err := store.Create(ctx, tenant, "Patient", []byte(`{"resourceType":"Patient","id":"p1","active":true}`), model.FHIRVersionR4)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if created.VersionID != 1 {
		return fmt.Errorf("expected version 1 after create, got %d", created.VersionID)
	}

	updated, err := store.Update(ctx, created, []byte(`{"resourceType":"Patient","id":"p1","active":false}`))
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if updated.VersionID != 2 {
		return fmt.Errorf("expected version 2 after update, got %d", updated.VersionID)
	}

	v1, err := store.Vread(ctx, tenant, "Patient", "p1", 1)
	if err != nil {
		return fmt.Errorf("vread v1: %w", err)
	}
	if !containsSubstring(string(v1.Content), `"active":true`) {
		return fmt.Errorf("vread v1 content does not reflect active=true")
	}

	if err := store.Delete(ctx, tenant, "Patient", "p1"); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	_, err = store.Read(ctx, tenant, "Patient", "p1")
	if kind, ok := backend.KindOf(err); !ok || kind != backend.KindGone {
		return fmt.Errorf("expected Gone reading a deleted resource, got %v", err)
	}

	log.Info().Msg("S1 ok: create v1 -> update v2 -> vread v1 -> delete -> read Gone")
	return nil
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func scenarioConcurrentCreate(ctx context.Context, store *storage.Memory, log zerolog.Logger, tenant string) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Create(ctx, tenant, "Patient", []byte(`{"resourceType":"Patient","id":"x"}`), model.FHIRVersionR4)
		}(i)
	}
	wg.Wait()

	okCount, conflictCount := 0, 0
	for _, e := range errs {
		if e == nil {
			okCount++
			continue
		}
		if kind, ok := backend.KindOf(e); ok && kind == backend.KindAlreadyExists {
			conflictCount++
		}
	}
	if okCount != 1 || conflictCount != 1 {
		return fmt.Errorf("expected exactly one Ok and one AlreadyExists, got %d ok and %d conflict", okCount, conflictCount)
	}
	log.Info().Msg("S2 ok: exactly one creator won the race")
	return nil
}

func scenarioCursorPagination(ctx context.Context, store *storage.Memory, log zerolog.Logger, cfg *config.Config, tenant string) error {
	for i := 2; i <= 6; i++ {
		id := fmt.Sprintf("p%d", i)
		content := fmt.Sprintf(`{"resourceType":"Patient","id":%q}`, id)
		if _, err := store.Create(ctx, tenant, "Patient", []byte(content), model.FHIRVersionR4); err != nil {
			return fmt.Errorf("seed patient %s: %w", id, err)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	var pageSizes []int
	for page := 0; page < 10; page++ {
		raw := map[string][]string{"_count": {"2"}}
		if cursor != "" {
			raw["_cursor"] = []string{cursor}
		}
		q, err := query.ParseQuery("Patient", raw, cfg.SearchDefaultCount, cfg.SearchMaxCount)
		if err != nil {
			return fmt.Errorf("parse page query: %w", err)
		}
		result, err := store.Search(ctx, tenant, q)
		if err != nil {
			return fmt.Errorf("search page: %w", err)
		}
		pageSizes = append(pageSizes, len(result.Resources))
		for _, r := range result.Resources {
			if seen[r.LogicalID] {
				return fmt.Errorf("duplicate resource %s across pages", r.LogicalID)
			}
			seen[r.LogicalID] = true
		}
		if !result.Page.HasMore {
			break
		}
		cursor = result.Page.NextCursor
	}

	for i := 2; i <= 6; i++ {
		if id := fmt.Sprintf("p%d", i); !seen[id] {
			return fmt.Errorf("seeded patient %s missing across pages (saw %d distinct patients)", id, len(seen))
		}
	}
	log.Info().Ints("page_sizes", pageSizes).Msg("S3 ok: cursor pagination covered the full set with no duplicates")
	return nil
}

func scenarioIncludeResolution(ctx context.Context, store *storage.Memory, log zerolog.Logger, cfg *config.Config, tenant string) error {
	if _, err := store.Create(ctx, tenant, "Patient", []byte(`{"resourceType":"Patient","id":"p10"}`), model.FHIRVersionR4); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	if _, err := store.Create(ctx, tenant, "Observation", []byte(`{"resourceType":"Observation","id":"obs10","subject":{"reference":"Patient/p10"}}`), model.FHIRVersionR4); err != nil {
		return fmt.Errorf("create observation: %w", err)
	}

	q, err := query.ParseQuery("Observation", map[string][]string{"_include": {"Observation:patient"}}, cfg.SearchDefaultCount, cfg.SearchMaxCount)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	result, err := store.Search(ctx, tenant, q)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(result.Resources) != 1 || result.Resources[0].LogicalID != "obs10" {
		return fmt.Errorf("expected exactly Observation/obs10 in the base result, got %d resources", len(result.Resources))
	}

	// _include resolution happens one layer up from storage.Search (a
	// request executor merges auxiliary fetches per router.MergeUnion);
	// the demo resolves it directly against the same store to exercise
	// the reference it names.
	included, err := store.Read(ctx, tenant, "Patient", "p10")
	if err != nil {
		return fmt.Errorf("resolve included patient: %w", err)
	}
	log.Info().Str("included_patient", included.LogicalID).Msg("S4 ok: observation search result plus its included patient resolved")
	return nil
}

func scenarioReverseChain(ctx context.Context, store *storage.Memory, log zerolog.Logger, cfg *config.Config, tenant string) error {
	if _, err := store.Create(ctx, tenant, "Patient", []byte(`{"resourceType":"Patient","id":"p20"}`), model.FHIRVersionR4); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	if _, err := store.Create(ctx, tenant, "Patient", []byte(`{"resourceType":"Patient","id":"p21"}`), model.FHIRVersionR4); err != nil {
		return fmt.Errorf("create unrelated patient: %w", err)
	}
	if _, err := store.Create(ctx, tenant, "Observation",
		[]byte(`{"resourceType":"Observation","id":"obs20","subject":{"reference":"Patient/p20"},"code":{"coding":[{"code":"1234-5"}]}}`),
		model.FHIRVersionR4); err != nil {
		return fmt.Errorf("create observation: %w", err)
	}

	q, err := query.ParseQuery("Patient", map[string][]string{"_has:Observation:patient:code": {"1234-5"}}, cfg.SearchDefaultCount, cfg.SearchMaxCount)
	if err != nil {
		return fmt.Errorf("parse query: %w", err)
	}
	result, err := store.Search(ctx, tenant, q)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(result.Resources) != 1 || result.Resources[0].LogicalID != "p20" {
		return fmt.Errorf("expected exactly Patient/p20 to match the reverse chain, got %d resources", len(result.Resources))
	}
	log.Info().Str("matched_patient", result.Resources[0].LogicalID).Msg("S5 ok: reverse chain narrowed to the referenced patient")
	return nil
}

func scenarioTransactionRollback(ctx context.Context, store *storage.Memory, log zerolog.Logger, tenant string) error {
	processor := &bundle.Processor{Store: store, TenantID: tenant}
	entries := []bundle.Entry{
		{Method: bundle.MethodPost, URL: "Patient", Resource: []byte(`{"resourceType":"Patient","id":"rollback-me"}`)},
		{Method: bundle.MethodPost, URL: "Patient", Resource: []byte(`{"id":"invalid-no-resourcetype"}`)},
	}

	_, err := processor.ProcessTransaction(ctx, entries)
	if err == nil {
		return fmt.Errorf("expected the transaction to fail on its second entry")
	}

	_, readErr := store.Read(ctx, tenant, "Patient", "rollback-me")
	if kind, ok := backend.KindOf(readErr); !ok || (kind != backend.KindGone && kind != backend.KindNotFound) {
		return fmt.Errorf("expected rollback-me to be gone or absent after rollback, got %v", readErr)
	}
	log.Info().Err(err).Msg("S6 ok: transaction failed and its compensating delete left rollback-me absent")
	return nil
}

func scenarioBulkExport(ctx context.Context, store *storage.Memory, log zerolog.Logger, cfg *config.Config, tenant string) error {
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("export-p%d", i)
		content := fmt.Sprintf(`{"resourceType":"Patient","id":%q}`, id)
		if _, err := store.Create(ctx, tenant, "Patient", []byte(content), model.FHIRVersionR4); err != nil {
			return fmt.Errorf("seed export patient %s: %w", id, err)
		}
	}

	fetch := func(ctx context.Context, tenantID, resourceType string, subjectIDs []string, since *time.Time, cursor string) ([][]byte, string, bool, error) {
		raw := map[string][]string{"_count": {"100"}}
		if cursor != "" {
			raw["_cursor"] = []string{cursor}
		}
		q, err := query.ParseQuery(resourceType, raw, cfg.SearchDefaultCount, cfg.SearchMaxCount)
		if err != nil {
			return nil, "", false, err
		}
		result, err := store.Search(ctx, tenantID, q)
		if err != nil {
			return nil, "", false, err
		}
		lines := make([][]byte, len(result.Resources))
		for i, r := range result.Resources {
			lines[i] = r.Content
		}
		return lines, result.Page.NextCursor, !result.Page.HasMore, nil
	}

	manager := bulkexport.NewManager(store, fetch)
	job, err := manager.StartExport(ctx, tenant, bulkexport.Request{Level: bulkexport.LevelSystem, ResourceTypes: []string{"Patient"}})
	if err != nil {
		return fmt.Errorf("start export: %w", err)
	}
	for job.Status == bulkexport.StatusInProgress || job.Status == bulkexport.StatusAccepted {
		time.Sleep(time.Millisecond)
		job, err = manager.GetStatus(job.ID)
		if err != nil {
			return fmt.Errorf("poll export status: %w", err)
		}
	}
	if job.Status != bulkexport.StatusComplete {
		return fmt.Errorf("expected export job to complete, got status %q: %s", job.Status, job.ErrorMessage)
	}
	if len(job.Manifest.Output) != 1 || job.Manifest.Output[0].Type != "Patient" || job.Manifest.Output[0].Count < 3 {
		return fmt.Errorf("unexpected export manifest: %+v", job.Manifest.Output)
	}

	data, err := manager.GetData(job.ID, "Patient", 0)
	if err != nil {
		return fmt.Errorf("get export data: %w", err)
	}
	log.Info().Int("ndjson_bytes", len(data)).Int("patient_count", job.Manifest.Output[0].Count).Msg("S7 ok: system export completed with a readable NDJSON manifest")
	return nil
}

func scenarioBulkSubmit(ctx context.Context, store *storage.Memory, log zerolog.Logger, tenant string) error {
	manager := bulksubmit.NewManager(store)
	opts := bulksubmit.DefaultOptions()
	opts.MaxErrors = 1
	opts.ContinueOnError = false

	sub, err := manager.Begin("demo-submitter", "submission-1", opts)
	if err != nil {
		return fmt.Errorf("begin submission: %w", err)
	}

	manifest := []byte(
		`{"resourceType":"Observation","id":"wrong-type"}` + "\n" +
			`{"resourceType":"Patient","id":"submit-p1"}` + "\n" +
			`{"resourceType":"Patient","id":"submit-p2"}` + "\n",
	)
	entries := bulksubmit.ParseNDJSON(manifest)

	procErr := manager.ProcessManifest(ctx, sub, tenant, "Patient", entries)
	if kind, ok := backend.KindOf(procErr); !ok || kind != backend.KindMaxErrorsExceeded {
		return fmt.Errorf("expected MaxErrorsExceeded, got %v", procErr)
	}
	if len(sub.Results) == 0 || sub.Results[0].Outcome != bulksubmit.OutcomeValidationError {
		return fmt.Errorf("expected the first entry's outcome to be validation_error, got %+v", sub.Results)
	}

	log.Info().Int("error_count", sub.ErrorCount).Bool("max_errors_hit", sub.MaxErrorsHit).Msg("S8 ok: submission stopped at the error cap with the first entry flagged invalid")
	return nil
}
