package internal

import (
	exporter "github.com/port-experimental/datalake-entities-exporter"
)

// PlanMigration diffs the persisted schema against the freshly translated one
// and produces the add/drop plan for the active migration mode. Pure given
// the two snapshots and the mode; it never talks to the warehouse.
//
// A column present in both schemas under the same name is treated as already
// present in all three modes even when the scalar kinds differ: in-place type
// changes are never attempted, the persisted column is kept verbatim.
func PlanMigration(current, desired exporter.TargetSchema, mode exporter.MigrationMode) exporter.MigrationPlan {
	if len(current) == 0 {
		// Table absent: create with the full desired schema in every mode.
		return exporter.MigrationPlan{
			ColumnsToAdd: append([]exporter.TargetColumn(nil), desired...),
			FinalSchema:  desired,
		}
	}

	// Columns persisted earlier come back without the source-field backlink
	// the coercer needs, so a kept column inherits it from the desired side.
	keep := func(persisted exporter.TargetColumn) exporter.TargetColumn {
		if persisted.SourceField == "" {
			if d, ok := desired.ByName(persisted.Name); ok {
				persisted.SourceField = d.SourceField
			}
		}
		return persisted
	}

	if mode == exporter.MigrationWeak {
		// Existing tables are never altered in weak mode. The persisted
		// columns still get the backlink so sanitized names coerce.
		final := make(exporter.TargetSchema, 0, len(current))
		for _, col := range current {
			final = append(final, keep(col))
		}
		return exporter.MigrationPlan{FinalSchema: final}
	}

	currentNames := NewSetFrom(current.Names())
	desiredNames := NewSetFrom(desired.Names())

	var toAdd []exporter.TargetColumn
	for _, col := range desired {
		if !currentNames.Contains(col.Name) {
			toAdd = append(toAdd, col)
		}
	}

	switch mode {
	case exporter.MigrationBalanced:
		// Historical columns are retained verbatim even when absent from the
		// desired schema.
		final := make(exporter.TargetSchema, 0, len(current)+len(toAdd))
		for _, col := range current {
			final = append(final, keep(col))
		}
		final = append(final, toAdd...)
		return exporter.MigrationPlan{
			ColumnsToAdd: toAdd,
			FinalSchema:  final,
		}
	default: // hard
		system := NewSetFrom(SystemColumnNames())
		var toDrop []string
		for _, col := range current {
			if !desiredNames.Contains(col.Name) && !system.Contains(col.Name) {
				toDrop = append(toDrop, col.Name)
			}
		}
		final := make(exporter.TargetSchema, 0, len(desired))
		for _, col := range desired {
			if existing, ok := current.ByName(col.Name); ok {
				final = append(final, keep(existing))
			} else {
				final = append(final, col)
			}
		}
		return exporter.MigrationPlan{
			ColumnsToAdd:  toAdd,
			ColumnsToDrop: toDrop,
			FinalSchema:   final,
		}
	}
}
