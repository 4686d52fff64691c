package internal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	exporter "github.com/port-experimental/datalake-entities-exporter"
)

// timestampLayouts are tried in order when parsing temporal values.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// CoerceEntity converts one entity's property values into a row compatible
// with the target schema. A failed coercion aborts only this row: the error
// names the entity and field so the caller can skip and log.
func CoerceEntity(e exporter.Entity, schema exporter.TargetSchema) (exporter.Row, error) {
	row := make(exporter.Row, len(schema))
	for _, col := range schema {
		raw, found := lookupValue(e, col)
		if !found || raw == nil {
			// Booleans without a backing value must not surface as null.
			if col.Kind == exporter.ColumnKindBool && col.Mode != exporter.ColumnModeRepeated {
				row[col.Name] = false
			} else {
				row[col.Name] = nil
			}
			continue
		}

		val, err := coerceValue(raw, col)
		if err != nil {
			return nil, exporter.NewValueCoercionError(e.Identifier, col.Name, err.Error())
		}
		row[col.Name] = val
	}
	return row, nil
}

// lookupValue resolves the raw value backing a target column: system columns
// come from the entity envelope, the rest from the property maps.
func lookupValue(e exporter.Entity, col exporter.TargetColumn) (any, bool) {
	switch col.Name {
	case "identifier":
		return e.Identifier, true
	case "title":
		return stringOrNil(e.Title), true
	case "created_at":
		return stringOrNil(e.CreatedAt), true
	case "updated_at":
		return stringOrNil(e.UpdatedAt), true
	case "state":
		return stringOrNil(e.State), true
	}

	name := col.SourceField
	if name == "" {
		name = col.Name
	}
	for _, m := range []map[string]any{
		e.Properties,
		e.Relations,
		e.CalculationProperties,
		e.AggregationProperties,
		e.MirrorProperties,
	} {
		if v, ok := m[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func coerceValue(raw any, col exporter.TargetColumn) (any, error) {
	if col.Mode == exporter.ColumnModeRepeated {
		items, ok := raw.([]any)
		if !ok {
			// A scalar in a repeated column is wrapped as a single element.
			items = []any{raw}
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			if item == nil {
				continue
			}
			v, err := coerceScalar(item, col.Kind)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return coerceScalar(raw, col.Kind)
}

func coerceScalar(raw any, kind exporter.ColumnKind) (any, error) {
	switch kind {
	case exporter.ColumnKindJSON:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode value as JSON: %w", err)
		}
		return string(encoded), nil

	case exporter.ColumnKindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case bool:
			return strconv.FormatBool(v), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case json.Number:
			return v.String(), nil
		default:
			// Structured values landing in a string column (e.g. a persisted
			// JSON column read back as STRING) are JSON-encoded.
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %T to string", raw)
			}
			return string(encoded), nil
		}

	case exporter.ColumnKindFloat64:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to float64", v.String())
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to float64", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("cannot cast %T to float64", raw)
		}

	case exporter.ColumnKindInt64:
		switch v := raw.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case float64:
			return int64(v), nil
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to int64", v.String())
			}
			return n, nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to int64", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("cannot cast %T to int64", raw)
		}

	case exporter.ColumnKindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to bool", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("cannot cast %T to bool", raw)
		}

	case exporter.ColumnKindTimestamp:
		t, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil

	case exporter.ColumnKindDate:
		t, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		return t.UTC().Format("2006-01-02"), nil

	default:
		return nil, fmt.Errorf("unsupported column kind %s", kind)
	}
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as ISO-8601 timestamp", v)
	default:
		return time.Time{}, fmt.Errorf("cannot parse %T as timestamp", raw)
	}
}
