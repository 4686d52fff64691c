package exporter

import (
	"fmt"
	"strings"
)

// FieldType represents the declared type of a source catalog field.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeArray   FieldType = "array"
	FieldTypeObject  FieldType = "object"
)

// Field formats carried alongside FieldTypeString.
const (
	FieldFormatDateTime = "date-time"
	FieldFormatDate     = "date"
)

// SourceField describes one field of a blueprint schema as declared in the
// source catalog. Immutable once produced by the catalog client.
type SourceField struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Format    string    `json:"format,omitempty"`
	ItemsType FieldType `json:"itemsType,omitempty"` // element type for arrays
}

// SourceSchema is the ordered field set of one blueprint. Field order follows
// the source declaration order; names are unique.
type SourceSchema struct {
	Blueprint string        `json:"blueprint"`
	Fields    []SourceField `json:"fields"`
}

// ColumnKind represents the scalar kind of a target warehouse column.
type ColumnKind string

const (
	ColumnKindString    ColumnKind = "STRING"
	ColumnKindInt64     ColumnKind = "INT64"
	ColumnKindFloat64   ColumnKind = "FLOAT64"
	ColumnKindBool      ColumnKind = "BOOL"
	ColumnKindTimestamp ColumnKind = "TIMESTAMP"
	ColumnKindDate      ColumnKind = "DATE"
	ColumnKindJSON      ColumnKind = "JSON_STRING"
)

// ColumnMode represents the repetition mode of a target column.
type ColumnMode string

const (
	ColumnModeNullable ColumnMode = "NULLABLE"
	ColumnModeRepeated ColumnMode = "REPEATED"
)

// TargetColumn is one column of the warehouse table. Name is a sanitized,
// warehouse-legal identifier derived 1:1 from a source field name.
// SourceField keeps the original field name so row coercion can look the raw
// value up; it is empty on columns read back from the warehouse.
type TargetColumn struct {
	Name        string     `json:"name"`
	Kind        ColumnKind `json:"kind"`
	Mode        ColumnMode `json:"mode"`
	SourceField string     `json:"sourceField,omitempty"`
}

// TargetSchema is an ordered sequence of target columns with unique names.
type TargetSchema []TargetColumn

// Names returns the column names in schema order.
func (s TargetSchema) Names() []string {
	names := make([]string, 0, len(s))
	for _, c := range s {
		names = append(names, c.Name)
	}
	return names
}

// ByName returns the column with the given name.
func (s TargetSchema) ByName(name string) (TargetColumn, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return TargetColumn{}, false
}

// MigrationPlan is the outcome of reconciling a persisted schema against a
// desired one. Consumed once per sync run, never persisted.
type MigrationPlan struct {
	ColumnsToAdd  []TargetColumn `json:"columnsToAdd"`
	ColumnsToDrop []string       `json:"columnsToDrop"`
	FinalSchema   TargetSchema   `json:"finalSchema"`
}

// IsNoop reports whether applying the plan would change an existing table.
func (p MigrationPlan) IsNoop() bool {
	return len(p.ColumnsToAdd) == 0 && len(p.ColumnsToDrop) == 0
}

// MigrationMode governs how target-table schema changes are applied.
type MigrationMode string

const (
	// MigrationWeak creates missing tables but never alters existing ones.
	MigrationWeak MigrationMode = "weak"
	// MigrationBalanced adds new columns and keeps historical ones.
	MigrationBalanced MigrationMode = "balanced"
	// MigrationHard adds new columns and drops ones absent from the source.
	MigrationHard MigrationMode = "hard"
)

// ParseMigrationMode parses a mode string case-insensitively.
func ParseMigrationMode(s string) (MigrationMode, error) {
	switch MigrationMode(strings.ToLower(s)) {
	case MigrationWeak:
		return MigrationWeak, nil
	case MigrationBalanced:
		return MigrationBalanced, nil
	case MigrationHard:
		return MigrationHard, nil
	default:
		return "", fmt.Errorf("migration mode must be one of 'weak', 'balanced', 'hard', got %q", s)
	}
}

// Entity is one catalog record conforming to a blueprint. Owned by the
// catalog client during fetch; the orchestrator copies it into a Row.
type Entity struct {
	Identifier            string         `json:"identifier"`
	Title                 string         `json:"title,omitempty"`
	Blueprint             string         `json:"blueprint,omitempty"`
	State                 string         `json:"state,omitempty"`
	CreatedAt             string         `json:"createdAt,omitempty"`
	UpdatedAt             string         `json:"updatedAt,omitempty"`
	Properties            map[string]any `json:"properties,omitempty"`
	Relations             map[string]any `json:"relations,omitempty"`
	CalculationProperties map[string]any `json:"calculationProperties,omitempty"`
	AggregationProperties map[string]any `json:"aggregationProperties,omitempty"`
	MirrorProperties      map[string]any `json:"mirrorProperties,omitempty"`
}

// Row maps target column names to coerced values for one entity. Owned by the
// orchestrator for the duration of one write batch.
type Row map[string]any

// SearchQuery is the catalog search payload for one blueprint.
type SearchQuery struct {
	Combinator string           `json:"combinator" yaml:"combinator"`
	Rules      []map[string]any `json:"rules" yaml:"rules"`
}

// BlueprintConfig configures the export of one blueprint.
type BlueprintConfig struct {
	Identifier      string      `json:"identifier" yaml:"identifier"`
	SearchQuery     SearchQuery `json:"search_query" yaml:"search_query"`
	IncludeEntities []string    `json:"include_entities,omitempty" yaml:"include_entities,omitempty"`
	ExcludeEntities []string    `json:"exclude_entities,omitempty" yaml:"exclude_entities,omitempty"`
}

// BlueprintState is the terminal (or current) state of one blueprint export.
type BlueprintState string

const (
	StateFetchSchema  BlueprintState = "fetch_schema"
	StateReconcile    BlueprintState = "reconcile"
	StateApplyPlan    BlueprintState = "apply_plan"
	StatePageEntities BlueprintState = "page_entities"
	StateFlushDedup   BlueprintState = "flush_deduplication"
	StateDone         BlueprintState = "done"
	StateFailed       BlueprintState = "failed"
)

// BlueprintResult summarizes one blueprint export.
type BlueprintResult struct {
	Blueprint   string         `json:"blueprint"`
	RowsWritten int            `json:"rowsWritten"`
	RowsFailed  int            `json:"rowsFailed"`
	RowsSkipped int            `json:"rowsSkipped"`
	State       BlueprintState `json:"state"`
	Err         error          `json:"-"`
}

// Failed reports whether the blueprint ended in the failed state.
func (r BlueprintResult) Failed() bool {
	return r.State == StateFailed
}
