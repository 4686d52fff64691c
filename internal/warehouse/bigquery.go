// Package warehouse provides Warehouse implementations: BigQuery for
// production runs and a local DuckDB database for development.
package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	exporter "github.com/port-experimental/datalake-entities-exporter"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// BigQuery implements the Warehouse interface on one BigQuery dataset.
// Tables are named after blueprints; rows go through the streaming insert
// path, so DML against freshly written rows can hit the streaming buffer.
type BigQuery struct {
	client    *bigquery.Client
	dataset   *bigquery.Dataset
	project   string
	datasetID string
}

// NewBigQuery creates a BigQuery warehouse bound to one dataset.
func NewBigQuery(ctx context.Context, project, dataset string, opts ...option.ClientOption) (*BigQuery, error) {
	client, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &BigQuery{
		client:    client,
		dataset:   client.Dataset(dataset),
		project:   project,
		datasetID: dataset,
	}, nil
}

var _ exporter.Warehouse = (*BigQuery)(nil)

// Close releases the underlying client.
func (w *BigQuery) Close() error {
	return w.client.Close()
}

func (w *BigQuery) TableExists(ctx context.Context, table string) (bool, error) {
	_, err := w.dataset.Table(table).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, classifyAPIError("get table metadata", err)
}

func (w *BigQuery) GetSchema(ctx context.Context, table string) (exporter.TargetSchema, error) {
	md, err := w.dataset.Table(table).Metadata(ctx)
	if err != nil {
		return nil, classifyAPIError("get table metadata", err)
	}
	schema := make(exporter.TargetSchema, 0, len(md.Schema))
	for _, f := range md.Schema {
		schema = append(schema, fromFieldSchema(f))
	}
	return schema, nil
}

func (w *BigQuery) CreateTable(ctx context.Context, table string, schema exporter.TargetSchema) error {
	err := w.dataset.Table(table).Create(ctx, &bigquery.TableMetadata{Schema: toBQSchema(schema)})
	if err != nil {
		if isRetryable(err) {
			return exporter.NewTransientAlterError("create table "+table, err)
		}
		return classifyAPIError("create table "+table, err)
	}
	return nil
}

func (w *BigQuery) AlterTable(ctx context.Context, table string, add []exporter.TargetColumn, drop []string) error {
	t := w.dataset.Table(table)
	md, err := t.Metadata(ctx)
	if err != nil {
		return classifyAPIError("get table metadata", err)
	}

	dropSet := make(map[string]bool, len(drop))
	for _, name := range drop {
		dropSet[name] = true
	}
	next := make(bigquery.Schema, 0, len(md.Schema)+len(add))
	for _, f := range md.Schema {
		if !dropSet[f.Name] {
			next = append(next, f)
		}
	}
	next = append(next, toBQSchema(add)...)

	_, err = t.Update(ctx, bigquery.TableMetadataToUpdate{Schema: next}, md.ETag)
	if err != nil {
		// A concurrent alter invalidates the ETag; retry with fresh metadata.
		if isRetryable(err) || isConflict(err) {
			return exporter.NewTransientAlterError("alter table "+table, err)
		}
		return classifyAPIError("alter table "+table, err)
	}
	return nil
}

func (w *BigQuery) InsertRows(ctx context.Context, table string, rows []exporter.Row) error {
	savers := make([]*rowSaver, 0, len(rows))
	for _, row := range rows {
		savers = append(savers, &rowSaver{row: row, insertID: rowInsertID(row)})
	}
	if err := w.dataset.Table(table).Inserter().Put(ctx, savers); err != nil {
		var multi bigquery.PutMultiError
		if errors.As(err, &multi) {
			return exporter.NewTransientWriteError(
				fmt.Sprintf("insert into %s rejected %d of %d rows", table, len(multi), len(rows)), err)
		}
		if isRetryable(err) {
			return exporter.NewTransientWriteError("insert into "+table, err)
		}
		return classifyAPIError("insert into "+table, err)
	}
	return nil
}

// Deduplicate keeps exactly one row per key, preferring the greatest
// updated_at. A ROW_NUMBER keeper also collapses byte-identical rows, which a
// key/MAX(updated_at) anti-join cannot tell apart. Rows still in the
// streaming buffer make the rewrite fail; that failure class is surfaced as
// BufferNotFlushedError so the caller can retry later.
func (w *BigQuery) Deduplicate(ctx context.Context, table string, keyColumn string) error {
	fq := fmt.Sprintf("`%s.%s.%s`", w.project, w.datasetID, table)
	q := w.client.Query(dedupStatement(fq, keyColumn))

	job, err := q.Run(ctx)
	if err != nil {
		return classifyDedupError(table, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classifyDedupError(table, err)
	}
	if err := status.Err(); err != nil {
		return classifyDedupError(table, err)
	}
	zap.S().Debugw("deduplication pass complete", "table", table, "key", keyColumn)
	return nil
}

// dedupStatement rewrites the table keeping one row per key. NULL or tied
// updated_at values are resolved by the window ordering, never by a NOT IN
// predicate that a NULL would poison.
func dedupStatement(fqTable, keyColumn string) string {
	return fmt.Sprintf(`
		CREATE OR REPLACE TABLE %[1]s AS
		SELECT * FROM %[1]s
		QUALIFY ROW_NUMBER() OVER (PARTITION BY %[2]s ORDER BY updated_at DESC) = 1`,
		fqTable, keyColumn)
}

// rowSaver adapts a Row to the streaming inserter. The insert ID gives the
// write path best-effort dedup on retries.
type rowSaver struct {
	row      exporter.Row
	insertID string
}

// rowInsertID derives the insert ID from the row content, so a retried batch
// replays the same IDs and BigQuery can drop the rows that already landed.
// json.Marshal sorts map keys, making the encoding canonical per row.
func rowInsertID(row exporter.Row) string {
	encoded, err := json.Marshal(row)
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, encoded).String()
}

func (s *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	values := make(map[string]bigquery.Value, len(s.row))
	for name, v := range s.row {
		if v == nil {
			continue
		}
		values[name] = v
	}
	return values, s.insertID, nil
}

func toBQSchema(cols []exporter.TargetColumn) bigquery.Schema {
	schema := make(bigquery.Schema, 0, len(cols))
	for _, c := range cols {
		schema = append(schema, &bigquery.FieldSchema{
			Name:     c.Name,
			Type:     toFieldType(c.Kind),
			Repeated: c.Mode == exporter.ColumnModeRepeated,
		})
	}
	return schema
}

func toFieldType(kind exporter.ColumnKind) bigquery.FieldType {
	switch kind {
	case exporter.ColumnKindFloat64:
		return bigquery.FloatFieldType
	case exporter.ColumnKindInt64:
		return bigquery.IntegerFieldType
	case exporter.ColumnKindBool:
		return bigquery.BooleanFieldType
	case exporter.ColumnKindTimestamp:
		return bigquery.TimestampFieldType
	case exporter.ColumnKindDate:
		return bigquery.DateFieldType
	default:
		// STRING and JSON_STRING both land in a plain string column.
		return bigquery.StringFieldType
	}
}

func fromFieldSchema(f *bigquery.FieldSchema) exporter.TargetColumn {
	col := exporter.TargetColumn{Name: f.Name, Mode: exporter.ColumnModeNullable}
	if f.Repeated {
		col.Mode = exporter.ColumnModeRepeated
	}
	switch f.Type {
	case bigquery.FloatFieldType:
		col.Kind = exporter.ColumnKindFloat64
	case bigquery.IntegerFieldType:
		col.Kind = exporter.ColumnKindInt64
	case bigquery.BooleanFieldType:
		col.Kind = exporter.ColumnKindBool
	case bigquery.TimestampFieldType:
		col.Kind = exporter.ColumnKindTimestamp
	case bigquery.DateFieldType:
		col.Kind = exporter.ColumnKindDate
	default:
		col.Kind = exporter.ColumnKindString
	}
	return col
}

// ============================================================================
// Error classification
// ============================================================================

func apiError(err error) (*googleapi.Error, bool) {
	var gerr *googleapi.Error
	ok := errors.As(err, &gerr)
	return gerr, ok
}

func isNotFound(err error) bool {
	gerr, ok := apiError(err)
	return ok && gerr.Code == http.StatusNotFound
}

func isConflict(err error) bool {
	gerr, ok := apiError(err)
	return ok && (gerr.Code == http.StatusConflict || gerr.Code == http.StatusPreconditionFailed)
}

func isRetryable(err error) bool {
	gerr, ok := apiError(err)
	if !ok {
		return false
	}
	return gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests
}

func isStreamingBuffer(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "streaming buffer")
}

func classifyDedupError(table string, err error) error {
	if isStreamingBuffer(err) {
		return exporter.NewBufferNotFlushedError("deduplicate "+table, err)
	}
	return classifyAPIError("deduplicate "+table, err)
}

func classifyAPIError(op string, err error) error {
	if gerr, ok := apiError(err); ok {
		if gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden {
			return exporter.NewAuthError(op, err)
		}
	}
	return exporter.NewNetworkError(op, err)
}
