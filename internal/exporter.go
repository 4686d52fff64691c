package internal

import (
	"context"
	"fmt"

	exporter "github.com/port-experimental/datalake-entities-exporter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exporter drives the per-blueprint sync state machine against the two
// collaborators.
type Exporter struct {
	catalog   exporter.Catalog
	warehouse exporter.Warehouse
	cfg       *exporter.Config
}

// NewExporter validates the configuration and returns an Exporter.
func NewExporter(catalog exporter.Catalog, warehouse exporter.Warehouse, cfg *exporter.Config) (*Exporter, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if warehouse == nil {
		return nil, fmt.Errorf("warehouse cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exporter{catalog: catalog, warehouse: warehouse, cfg: cfg}, nil
}

// Run exports every configured blueprint with bounded concurrency. Blueprint
// failures are isolated: one failed blueprint never stops the others, but the
// returned error is non-nil if any ended failed.
func (e *Exporter) Run(ctx context.Context) ([]exporter.BlueprintResult, error) {
	results := make([]exporter.BlueprintResult, len(e.cfg.Blueprints))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, bc := range e.cfg.Blueprints {
		g.Go(func() error {
			results[i] = e.exportBlueprint(ctx, bc)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d blueprints failed", failed, len(results))
	}
	return results, nil
}

// exportBlueprint runs one blueprint through
// FETCH_SCHEMA → RECONCILE → APPLY_PLAN → PAGE_ENTITIES → FLUSH_DEDUPLICATION.
func (e *Exporter) exportBlueprint(ctx context.Context, bc exporter.BlueprintConfig) exporter.BlueprintResult {
	log := zap.S().With("blueprint", bc.Identifier)
	res := exporter.BlueprintResult{Blueprint: bc.Identifier}

	fail := func(err error) exporter.BlueprintResult {
		log.Errorw("blueprint export failed", "state", res.State, "error", err)
		res.State = exporter.StateFailed
		res.Err = err
		return res
	}

	res.State = exporter.StateFetchSchema
	src, err := e.catalog.GetSchema(ctx, bc.Identifier)
	if err != nil {
		return fail(err)
	}

	res.State = exporter.StateReconcile
	desired, err := TranslateSchema(src)
	if err != nil {
		return fail(err)
	}
	exists, err := e.warehouse.TableExists(ctx, bc.Identifier)
	if err != nil {
		return fail(err)
	}
	var current exporter.TargetSchema
	if exists {
		if current, err = e.warehouse.GetSchema(ctx, bc.Identifier); err != nil {
			return fail(err)
		}
	}
	plan := PlanMigration(current, desired, e.cfg.Mode)

	res.State = exporter.StateApplyPlan
	if !exists {
		log.Infow("creating table", "columns", len(plan.FinalSchema))
		err = Retry(ctx, e.cfg.AlterRetry, exporter.IsTransientAlter, func() error {
			return e.warehouse.CreateTable(ctx, bc.Identifier, plan.FinalSchema)
		})
	} else if !plan.IsNoop() {
		log.Infow("altering table", "add", len(plan.ColumnsToAdd), "drop", len(plan.ColumnsToDrop))
		err = Retry(ctx, e.cfg.AlterRetry, exporter.IsTransientAlter, func() error {
			return e.warehouse.AlterTable(ctx, bc.Identifier, plan.ColumnsToAdd, plan.ColumnsToDrop)
		})
	} else {
		log.Debugw("table schema is up to date")
	}
	if err != nil {
		return fail(err)
	}

	res.State = exporter.StatePageEntities
	if err := e.pageEntities(ctx, bc, plan.FinalSchema, &res, log); err != nil {
		return fail(err)
	}

	if e.cfg.Mode != exporter.MigrationWeak {
		res.State = exporter.StateFlushDedup
		err = Retry(ctx, e.cfg.DedupRetry, exporter.IsBufferNotFlushed, func() error {
			return e.warehouse.Deduplicate(ctx, bc.Identifier, "identifier")
		})
		if err != nil {
			// Degrades to a warning: duplicate rows may remain until a later run.
			log.Warnw("deduplication incomplete, duplicates may remain", "error", err)
		}
	}

	res.State = exporter.StateDone
	log.Infow("blueprint export complete",
		"rowsWritten", res.RowsWritten, "rowsFailed", res.RowsFailed, "rowsSkipped", res.RowsSkipped)
	return res
}

// pageEntities walks the catalog's pagination cursor in order, filters and
// coerces entities, and writes batches. Batch failures are absorbed into the
// result counts; only page-fetch failures and cancellation propagate.
func (e *Exporter) pageEntities(
	ctx context.Context,
	bc exporter.BlueprintConfig,
	schema exporter.TargetSchema,
	res *exporter.BlueprintResult,
	log *zap.SugaredLogger,
) error {
	include := NewSetFrom(bc.IncludeEntities)
	exclude := NewSetFrom(bc.ExcludeEntities)

	batch := make([]exporter.Row, 0, e.cfg.Batch.MaxRows)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := batch
		batch = batch[:0]
		attempt := 0
		err := Retry(ctx, e.cfg.WriteRetry, exporter.IsTransientWrite, func() error {
			attempt++
			if attempt > 1 {
				writeRetries.WithLabelValues(bc.Identifier).Inc()
			}
			return e.warehouse.InsertRows(ctx, bc.Identifier, rows)
		})
		if err != nil {
			// One bad batch never aborts the rest of the export.
			res.RowsFailed += len(rows)
			rowsFailed.WithLabelValues(bc.Identifier).Add(float64(len(rows)))
			log.Errorw("batch write failed, continuing with next page",
				"rows", len(rows), "error", err)
		} else {
			res.RowsWritten += len(rows)
			rowsExported.WithLabelValues(bc.Identifier).Add(float64(len(rows)))
			batchesWritten.WithLabelValues(bc.Identifier).Inc()
		}
		log.Infow("progress", "rowsWritten", res.RowsWritten,
			"rowsFailed", res.RowsFailed, "rowsSkipped", res.RowsSkipped)
	}

	cursor := ""
	for {
		// Cancellation stops new page fetches; the current batch has already
		// been written or dropped as a unit.
		if err := ctx.Err(); err != nil {
			return err
		}
		entities, next, err := e.catalog.SearchEntities(ctx, bc.Identifier, bc.SearchQuery, cursor)
		if err != nil {
			return err
		}

		for _, ent := range entities {
			// Include narrows the candidate set first, exclude removes from
			// what remains.
			if include.Size() > 0 && !include.Contains(ent.Identifier) {
				res.RowsSkipped++
				rowsSkipped.WithLabelValues(bc.Identifier).Inc()
				continue
			}
			if exclude.Contains(ent.Identifier) {
				res.RowsSkipped++
				rowsSkipped.WithLabelValues(bc.Identifier).Inc()
				continue
			}

			row, err := CoerceEntity(ent, schema)
			if err != nil {
				res.RowsFailed++
				rowsFailed.WithLabelValues(bc.Identifier).Inc()
				log.Warnw("skipping entity, value coercion failed",
					"entity", ent.Identifier, "error", err)
				continue
			}
			batch = append(batch, row)
			if len(batch) >= e.cfg.Batch.MaxRows {
				flush()
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	flush()
	return nil
}
