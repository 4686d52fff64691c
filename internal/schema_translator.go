package internal

import (
	"strings"
	"unicode"

	exporter "github.com/port-experimental/datalake-entities-exporter"
)

// System fields present on every entity regardless of blueprint definition.
// They lead the target schema and are never dropped by a migration plan.
var systemFields = []exporter.SourceField{
	{Name: "identifier", Type: exporter.FieldTypeString},
	{Name: "title", Type: exporter.FieldTypeString},
	{Name: "created_at", Type: exporter.FieldTypeString, Format: exporter.FieldFormatDateTime},
	{Name: "updated_at", Type: exporter.FieldTypeString, Format: exporter.FieldFormatDateTime},
	{Name: "state", Type: exporter.FieldTypeString},
}

// SystemColumnNames returns the sanitized column names of the system fields.
func SystemColumnNames() []string {
	names := make([]string, 0, len(systemFields))
	for _, f := range systemFields {
		names = append(names, SanitizeColumnName(f.Name))
	}
	return names
}

// TranslateSchema converts a source schema into the desired target schema:
// system fields first, then declared fields in source-declaration order, one
// column per field. Two fields sanitizing to the same column name is fatal.
func TranslateSchema(src *exporter.SourceSchema) (exporter.TargetSchema, error) {
	schema := make(exporter.TargetSchema, 0, len(systemFields)+len(src.Fields))
	bySanitized := make(map[string]string, len(systemFields)+len(src.Fields))

	appendField := func(f exporter.SourceField) error {
		col := MapField(f)
		if prev, taken := bySanitized[col.Name]; taken {
			return exporter.NewSchemaConflictError(col.Name, prev, f.Name).WithBlueprint(src.Blueprint)
		}
		bySanitized[col.Name] = f.Name
		schema = append(schema, col)
		return nil
	}

	for _, f := range systemFields {
		if err := appendField(f); err != nil {
			return nil, err
		}
	}
	for _, f := range src.Fields {
		if err := appendField(f); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

// SanitizeColumnName derives a warehouse-legal identifier from a source field
// name: lower-case, non-alphanumeric runes become underscores, and a leading
// digit gets an underscore prefix.
func SanitizeColumnName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 1)
	for i, r := range name {
		r = unicode.ToLower(r)
		legal := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		if !legal {
			r = '_'
		}
		if i == 0 && r >= '0' && r <= '9' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return b.String()
}
