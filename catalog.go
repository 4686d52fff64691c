package exporter

import (
	"context"
)

// Catalog provides read access to the source catalog.
// Implementations can talk to the Port API or serve fixtures in tests.
type Catalog interface {
	// GetSchema fetches the declared schema of a blueprint.
	GetSchema(ctx context.Context, blueprint string) (*SourceSchema, error)

	// SearchEntities returns one page of entities matching the query plus the
	// cursor for the next page ("" when the sequence is exhausted). The cursor
	// is stateful and must be advanced in order.
	SearchEntities(ctx context.Context, blueprint string, query SearchQuery, cursor string) ([]Entity, string, error)
}
