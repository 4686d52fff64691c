package exporter

import (
	"context"
)

// Warehouse provides table management, row insertion and deduplication
// against the target columnar store.
//
// Implementations wrap retryable failures in the transient error classes
// (TransientAlterError, TransientWriteError, BufferNotFlushedError) so the
// engine's retry layer can tell them apart from fatal ones.
type Warehouse interface {
	// TableExists reports whether the table has been created.
	TableExists(ctx context.Context, table string) (bool, error)

	// GetSchema reads back the persisted schema of an existing table.
	GetSchema(ctx context.Context, table string) (TargetSchema, error)

	// CreateTable creates the table with the given schema.
	CreateTable(ctx context.Context, table string, schema TargetSchema) error

	// AlterTable adds and drops columns on an existing table.
	AlterTable(ctx context.Context, table string, add []TargetColumn, drop []string) error

	// InsertRows stream-inserts one batch of rows.
	InsertRows(ctx context.Context, table string, rows []Row) error

	// Deduplicate removes duplicate rows keyed by keyColumn, keeping the most
	// recently inserted row per key.
	Deduplicate(ctx context.Context, table string, keyColumn string) error
}
