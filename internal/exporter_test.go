package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	exporter "github.com/port-experimental/datalake-entities-exporter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalog struct {
	schemas    map[string]*exporter.SourceSchema
	pages      map[string][][]exporter.Entity
	schemaErrs map[string]error
}

func (c *fakeCatalog) GetSchema(_ context.Context, blueprint string) (*exporter.SourceSchema, error) {
	if err := c.schemaErrs[blueprint]; err != nil {
		return nil, err
	}
	src, ok := c.schemas[blueprint]
	if !ok {
		return nil, fmt.Errorf("unknown blueprint %s", blueprint)
	}
	return src, nil
}

func (c *fakeCatalog) SearchEntities(_ context.Context, blueprint string, _ exporter.SearchQuery, cursor string) ([]exporter.Entity, string, error) {
	pages := c.pages[blueprint]
	idx := 0
	if cursor != "" {
		idx, _ = strconv.Atoi(cursor)
	}
	if idx >= len(pages) {
		return nil, "", nil
	}
	next := ""
	if idx+1 < len(pages) {
		next = strconv.Itoa(idx + 1)
	}
	return pages[idx], next, nil
}

type fakeWarehouse struct {
	mu          sync.Mutex
	tables      map[string]exporter.TargetSchema
	rows        map[string][]exporter.Row
	insertCalls map[string]int
	insertErrs  map[string][]error
	dedupCalls  map[string]int
	dedupErrs   map[string][]error
	alterCalls  int
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		tables:      make(map[string]exporter.TargetSchema),
		rows:        make(map[string][]exporter.Row),
		insertCalls: make(map[string]int),
		insertErrs:  make(map[string][]error),
		dedupCalls:  make(map[string]int),
		dedupErrs:   make(map[string][]error),
	}
}

func (w *fakeWarehouse) TableExists(_ context.Context, table string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.tables[table]
	return ok, nil
}

func (w *fakeWarehouse) GetSchema(_ context.Context, table string) (exporter.TargetSchema, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	schema, ok := w.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	// Persisted schemas come back without source-field backlinks.
	stripped := make(exporter.TargetSchema, len(schema))
	for i, col := range schema {
		col.SourceField = ""
		stripped[i] = col
	}
	return stripped, nil
}

func (w *fakeWarehouse) CreateTable(_ context.Context, table string, schema exporter.TargetSchema) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[table] = schema
	return nil
}

func (w *fakeWarehouse) AlterTable(_ context.Context, table string, add []exporter.TargetColumn, drop []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alterCalls++
	schema := w.tables[table]
	dropSet := NewSetFrom(drop)
	var next exporter.TargetSchema
	for _, col := range schema {
		if !dropSet.Contains(col.Name) {
			next = append(next, col)
		}
	}
	next = append(next, add...)
	w.tables[table] = next
	return nil
}

func (w *fakeWarehouse) InsertRows(_ context.Context, table string, rows []exporter.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.insertCalls[table]++
	if errs := w.insertErrs[table]; len(errs) > 0 {
		err := errs[0]
		w.insertErrs[table] = errs[1:]
		if err != nil {
			return err
		}
	}
	w.rows[table] = append(w.rows[table], rows...)
	return nil
}

func (w *fakeWarehouse) Deduplicate(_ context.Context, table string, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dedupCalls[table]++
	if errs := w.dedupErrs[table]; len(errs) > 0 {
		err := errs[0]
		w.dedupErrs[table] = errs[1:]
		return err
	}
	return nil
}

func serviceSchema() *exporter.SourceSchema {
	return &exporter.SourceSchema{
		Blueprint: "service",
		Fields: []exporter.SourceField{
			{Name: "owner", Type: exporter.FieldTypeString},
		},
	}
}

func serviceEntity(id string) exporter.Entity {
	return exporter.Entity{
		Identifier: id,
		Title:      "Service " + id,
		UpdatedAt:  "2026-08-30T10:00:00Z",
		Properties: map[string]any{"owner": "team-" + id},
	}
}

func testConfig(mode exporter.MigrationMode, blueprints ...exporter.BlueprintConfig) *exporter.Config {
	cfg := exporter.DefaultConfig()
	cfg.Mode = mode
	cfg.Blueprints = blueprints
	cfg.WriteRetry = exporter.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2.0}
	cfg.AlterRetry = cfg.WriteRetry
	cfg.DedupRetry = cfg.WriteRetry
	return cfg
}

func TestExporterCreatesTableAndWritesRows(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages: map[string][][]exporter.Entity{
			"service": {{serviceEntity("a"), serviceEntity("b")}},
		},
	}
	wh := newFakeWarehouse()

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, exporter.StateDone, res.State)
	assert.Equal(t, 2, res.RowsWritten)
	assert.Zero(t, res.RowsFailed)

	require.Len(t, wh.rows["service"], 2)
	assert.Equal(t, "a", wh.rows["service"][0]["identifier"])
	assert.Equal(t, "team-a", wh.rows["service"][0]["owner"])

	// Weak mode never deduplicates.
	assert.Zero(t, wh.dedupCalls["service"])
}

func TestExporterFilterPrecedence(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages: map[string][][]exporter.Entity{
			"service": {{serviceEntity("e1"), serviceEntity("e2"), serviceEntity("e3"), serviceEntity("e4")}},
		},
	}
	wh := newFakeWarehouse()

	bc := exporter.BlueprintConfig{
		Identifier:      "service",
		IncludeEntities: []string{"e1", "e2", "e3"},
		ExcludeEntities: []string{"e3", "e4"},
	}
	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, bc))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)

	res := results[0]
	assert.Equal(t, 2, res.RowsWritten)
	assert.Equal(t, 2, res.RowsSkipped)

	var ids []string
	for _, row := range wh.rows["service"] {
		ids = append(ids, row["identifier"].(string))
	}
	assert.Equal(t, []string{"e1", "e2"}, ids)
}

func TestExporterSkipsMalformedEntity(t *testing.T) {
	bad := serviceEntity("bad")
	bad.UpdatedAt = "not-a-timestamp"

	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages: map[string][][]exporter.Entity{
			"service": {{serviceEntity("good"), bad}},
		},
	}
	wh := newFakeWarehouse()

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)

	res := results[0]
	assert.Equal(t, exporter.StateDone, res.State)
	assert.Equal(t, 1, res.RowsWritten)
	assert.Equal(t, 1, res.RowsFailed)
	require.Len(t, wh.rows["service"], 1)
	assert.Equal(t, "good", wh.rows["service"][0]["identifier"])
}

func TestExporterBatchSplitting(t *testing.T) {
	var page []exporter.Entity
	for i := 0; i < 5; i++ {
		page = append(page, serviceEntity(strconv.Itoa(i)))
	}
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages:   map[string][][]exporter.Entity{"service": {page}},
	}
	wh := newFakeWarehouse()

	cfg := testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"})
	cfg.Batch.MaxRows = 2
	eng, err := NewExporter(cat, wh, cfg)
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, results[0].RowsWritten)
	assert.Equal(t, 3, wh.insertCalls["service"])
}

func TestExporterRetriesTransientWrite(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages:   map[string][][]exporter.Entity{"service": {{serviceEntity("a")}}},
	}
	wh := newFakeWarehouse()
	wh.insertErrs["service"] = []error{
		exporter.NewTransientWriteError("insert", errors.New("backend unavailable")),
	}

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].RowsWritten)
	assert.Equal(t, 2, wh.insertCalls["service"])
}

func TestExporterAbsorbsExhaustedWriteRetries(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages: map[string][][]exporter.Entity{
			"service": {{serviceEntity("a"), serviceEntity("b")}},
		},
	}
	wh := newFakeWarehouse()
	down := exporter.NewTransientWriteError("insert", errors.New("still down"))
	wh.insertErrs["service"] = []error{down, down, down}

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)

	// The batch is lost but the export itself completes.
	res := results[0]
	assert.Equal(t, exporter.StateDone, res.State)
	assert.Zero(t, res.RowsWritten)
	assert.Equal(t, 2, res.RowsFailed)
}

func TestExporterBlueprintIsolation(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages:   map[string][][]exporter.Entity{"service": {{serviceEntity("a")}}},
		schemaErrs: map[string]error{
			"broken": exporter.NewNetworkError("fetch schema", errors.New("upstream 502")),
		},
	}
	wh := newFakeWarehouse()

	cfg := testConfig(exporter.MigrationWeak,
		exporter.BlueprintConfig{Identifier: "broken"},
		exporter.BlueprintConfig{Identifier: "service"},
	)
	eng, err := NewExporter(cat, wh, cfg)
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 blueprints failed")
	require.Len(t, results, 2)

	byName := map[string]exporter.BlueprintResult{}
	for _, r := range results {
		byName[r.Blueprint] = r
	}
	assert.Equal(t, exporter.StateFailed, byName["broken"].State)
	assert.Equal(t, exporter.StateDone, byName["service"].State)
	assert.Equal(t, 1, byName["service"].RowsWritten)
}

func TestExporterAltersExistingTable(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages:   map[string][][]exporter.Entity{"service": {{serviceEntity("a")}}},
	}
	wh := newFakeWarehouse()
	wh.tables["service"] = exporter.TargetSchema{
		{Name: "identifier", Kind: exporter.ColumnKindString, Mode: exporter.ColumnModeNullable},
		{Name: "title", Kind: exporter.ColumnKindString, Mode: exporter.ColumnModeNullable},
		{Name: "created_at", Kind: exporter.ColumnKindTimestamp, Mode: exporter.ColumnModeNullable},
		{Name: "updated_at", Kind: exporter.ColumnKindTimestamp, Mode: exporter.ColumnModeNullable},
		{Name: "state", Kind: exporter.ColumnKindString, Mode: exporter.ColumnModeNullable},
	}

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationBalanced, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, wh.alterCalls)
	assert.Equal(t, 1, results[0].RowsWritten)

	// Balanced mode deduplicates after the write phase.
	assert.Equal(t, 1, wh.dedupCalls["service"])
}

func TestExporterWeakModeNeverAlters(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages:   map[string][][]exporter.Entity{"service": {{serviceEntity("a")}}},
	}
	wh := newFakeWarehouse()
	wh.tables["service"] = exporter.TargetSchema{
		{Name: "identifier", Kind: exporter.ColumnKindString, Mode: exporter.ColumnModeNullable},
	}

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, wh.alterCalls)

	// Rows carry only the persisted column.
	require.Len(t, wh.rows["service"], 1)
	assert.Equal(t, exporter.Row{"identifier": "a"}, wh.rows["service"][0])
	assert.Equal(t, 1, results[0].RowsWritten)
}

func TestExporterWeakModeCoercesSanitizedColumns(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{
			"service": {
				Blueprint: "service",
				Fields: []exporter.SourceField{
					{Name: "Team Name", Type: exporter.FieldTypeString},
				},
			},
		},
		pages: map[string][][]exporter.Entity{
			"service": {{{
				Identifier: "svc-1",
				Properties: map[string]any{"Team Name": "payments"},
			}}},
		},
	}
	wh := newFakeWarehouse()
	wh.tables["service"] = exporter.TargetSchema{
		{Name: "identifier", Kind: exporter.ColumnKindString, Mode: exporter.ColumnModeNullable},
		{Name: "team_name", Kind: exporter.ColumnKindString, Mode: exporter.ColumnModeNullable},
	}

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].RowsWritten)

	// The persisted column name is sanitized; the value still resolves
	// through the original field name.
	require.Len(t, wh.rows["service"], 1)
	assert.Equal(t, "payments", wh.rows["service"][0]["team_name"])
}

func TestExporterDedupFailureDegradesToWarning(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages:   map[string][][]exporter.Entity{"service": {{serviceEntity("a")}}},
	}
	wh := newFakeWarehouse()
	buffer := exporter.NewBufferNotFlushedError("rows still buffered", nil)
	wh.dedupErrs["service"] = []error{buffer, buffer, buffer}

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationHard, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exporter.StateDone, results[0].State)
	assert.Equal(t, 3, wh.dedupCalls["service"])
}

func TestExporterMultiPagePagination(t *testing.T) {
	cat := &fakeCatalog{
		schemas: map[string]*exporter.SourceSchema{"service": serviceSchema()},
		pages: map[string][][]exporter.Entity{
			"service": {
				{serviceEntity("p0-a"), serviceEntity("p0-b")},
				{serviceEntity("p1-a")},
				{serviceEntity("p2-a")},
			},
		},
	}
	wh := newFakeWarehouse()

	eng, err := NewExporter(cat, wh, testConfig(exporter.MigrationWeak, exporter.BlueprintConfig{Identifier: "service"}))
	require.NoError(t, err)

	results, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, results[0].RowsWritten)

	var ids []string
	for _, row := range wh.rows["service"] {
		ids = append(ids, row["identifier"].(string))
	}
	assert.Equal(t, []string{"p0-a", "p0-b", "p1-a", "p2-a"}, ids)
}
