package internal

import (
	exporter "github.com/port-experimental/datalake-entities-exporter"
)

// MapField maps one source field to a target column descriptor. The mapping
// is total: unrecognized types fall back to STRING rather than erroring, so
// a blueprint with exotic field types still exports.
func MapField(f exporter.SourceField) exporter.TargetColumn {
	kind, mode := mapFieldType(f)
	return exporter.TargetColumn{
		Name:        SanitizeColumnName(f.Name),
		Kind:        kind,
		Mode:        mode,
		SourceField: f.Name,
	}
}

func mapFieldType(f exporter.SourceField) (exporter.ColumnKind, exporter.ColumnMode) {
	switch f.Type {
	case exporter.FieldTypeString:
		switch f.Format {
		case exporter.FieldFormatDateTime:
			return exporter.ColumnKindTimestamp, exporter.ColumnModeNullable
		case exporter.FieldFormatDate:
			return exporter.ColumnKindDate, exporter.ColumnModeNullable
		default:
			return exporter.ColumnKindString, exporter.ColumnModeNullable
		}
	case exporter.FieldTypeNumber:
		// The source never distinguishes integers, so FLOAT64 always.
		return exporter.ColumnKindFloat64, exporter.ColumnModeNullable
	case exporter.FieldTypeBoolean:
		return exporter.ColumnKindBool, exporter.ColumnModeNullable
	case exporter.FieldTypeArray:
		switch f.ItemsType {
		case exporter.FieldTypeString:
			return exporter.ColumnKindString, exporter.ColumnModeRepeated
		case exporter.FieldTypeNumber:
			return exporter.ColumnKindFloat64, exporter.ColumnModeRepeated
		case exporter.FieldTypeBoolean:
			return exporter.ColumnKindBool, exporter.ColumnModeRepeated
		default:
			// Arrays of objects or of unknown element type are stored as a
			// JSON-encoded text column.
			return exporter.ColumnKindJSON, exporter.ColumnModeNullable
		}
	case exporter.FieldTypeObject:
		return exporter.ColumnKindJSON, exporter.ColumnModeNullable
	default:
		return exporter.ColumnKindString, exporter.ColumnModeNullable
	}
}
