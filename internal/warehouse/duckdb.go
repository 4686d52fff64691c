package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	exporter "github.com/port-experimental/datalake-entities-exporter"
)

// DuckDB implements the Warehouse interface on a local DuckDB database.
// Meant for development runs and engine-level testing: there is no streaming
// buffer, so inserts are immediately visible and deduplication never has to
// wait. Repeated and JSON columns are both stored as JSON-encoded VARCHAR.
type DuckDB struct {
	db *sql.DB
}

// NewDuckDB opens (or creates) a DuckDB database at the given path.
// An empty path opens an in-memory database.
func NewDuckDB(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &DuckDB{db: db}, nil
}

var _ exporter.Warehouse = (*DuckDB)(nil)

// Close closes the database handle.
func (w *DuckDB) Close() error {
	return w.db.Close()
}

func (w *DuckDB) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := w.db.QueryRowContext(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, table).Scan(&count)
	if err != nil {
		return false, exporter.NewNetworkError("query table existence", err)
	}
	return count > 0, nil
}

func (w *DuckDB) GetSchema(ctx context.Context, table string) (exporter.TargetSchema, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_name = ? ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, exporter.NewNetworkError("query table schema", err)
	}
	defer rows.Close()

	var schema exporter.TargetSchema
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, exporter.NewNetworkError("scan column row", err)
		}
		schema = append(schema, exporter.TargetColumn{
			Name: name,
			Kind: fromDuckDBType(dataType),
			Mode: exporter.ColumnModeNullable,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, exporter.NewNetworkError("iterate column rows", err)
	}
	return schema, nil
}

func (w *DuckDB) CreateTable(ctx context.Context, table string, schema exporter.TargetSchema) error {
	defs := make([]string, 0, len(schema))
	for _, col := range schema {
		defs = append(defs, fmt.Sprintf("%s %s", quoteIdent(col.Name), toDuckDBType(col)))
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return exporter.NewTransientAlterError("create table "+table, err)
	}
	return nil
}

func (w *DuckDB) AlterTable(ctx context.Context, table string, add []exporter.TargetColumn, drop []string) error {
	for _, col := range add {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
			quoteIdent(table), quoteIdent(col.Name), toDuckDBType(col))
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return exporter.NewTransientAlterError("add column "+col.Name, err)
		}
	}
	for _, name := range drop {
		stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(table), quoteIdent(name))
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return exporter.NewTransientAlterError("drop column "+name, err)
		}
	}
	return nil
}

func (w *DuckDB) InsertRows(ctx context.Context, table string, rows []exporter.Row) error {
	if len(rows) == 0 {
		return nil
	}
	schema, err := w.GetSchema(ctx, table)
	if err != nil {
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(schema)), ", ")
	cols := make([]string, 0, len(schema))
	for _, c := range schema {
		cols = append(cols, quoteIdent(c.Name))
	}
	stmtText := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(cols, ", "), placeholders)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return exporter.NewTransientWriteError("begin insert transaction", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, stmtText)
	if err != nil {
		return exporter.NewTransientWriteError("prepare insert", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]any, 0, len(schema))
		for _, col := range schema {
			v, err := toDuckDBParam(row[col.Name])
			if err != nil {
				return exporter.NewTransientWriteError("bind value for column "+col.Name, err)
			}
			args = append(args, v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return exporter.NewTransientWriteError("insert into "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return exporter.NewTransientWriteError("commit insert transaction", err)
	}
	return nil
}

// Deduplicate keeps the most recently inserted row per key, using the rowid
// pseudocolumn as the insertion-order tiebreak.
func (w *DuckDB) Deduplicate(ctx context.Context, table string, keyColumn string) error {
	stmt := fmt.Sprintf(
		"DELETE FROM %[1]s WHERE rowid NOT IN (SELECT max(rowid) FROM %[1]s GROUP BY %[2]s)",
		quoteIdent(table), quoteIdent(keyColumn))
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return exporter.NewNetworkError("deduplicate "+table, err)
	}
	return nil
}

func toDuckDBType(col exporter.TargetColumn) string {
	// Lists are stored JSON-encoded, same as JSON columns.
	if col.Mode == exporter.ColumnModeRepeated {
		return "VARCHAR"
	}
	switch col.Kind {
	case exporter.ColumnKindFloat64:
		return "DOUBLE"
	case exporter.ColumnKindInt64:
		return "BIGINT"
	case exporter.ColumnKindBool:
		return "BOOLEAN"
	case exporter.ColumnKindTimestamp:
		return "TIMESTAMP"
	case exporter.ColumnKindDate:
		return "DATE"
	default:
		return "VARCHAR"
	}
}

func fromDuckDBType(dataType string) exporter.ColumnKind {
	switch strings.ToUpper(dataType) {
	case "DOUBLE", "FLOAT", "REAL":
		return exporter.ColumnKindFloat64
	case "BIGINT", "INTEGER", "SMALLINT", "TINYINT", "HUGEINT":
		return exporter.ColumnKindInt64
	case "BOOLEAN":
		return exporter.ColumnKindBool
	case "TIMESTAMP", "TIMESTAMP WITH TIME ZONE":
		return exporter.ColumnKindTimestamp
	case "DATE":
		return exporter.ColumnKindDate
	default:
		return exporter.ColumnKindString
	}
}

// toDuckDBParam converts a row value to a driver-bindable form. Slices and
// maps become JSON text.
func toDuckDBParam(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, int, int64:
		return v, nil
	}
	switch v := v.(type) {
	case []any, map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(encoded), nil
	default:
		return v, nil
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
