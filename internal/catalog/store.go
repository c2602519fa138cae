package catalog

import "context"

// Field selects the entry attribute matched by GetByExact.
type Field string

const (
	FieldAlias         Field = "alias"
	FieldKeyword       Field = "keyword"
	FieldNamePrimary   Field = "name_primary"
	FieldNameSecondary Field = "name_secondary"
)

// Store is the read-mostly catalog. Lookups take normalized values; entries
// come back sorted by code.
type Store interface {
	GetByExact(ctx context.Context, field Field, value string) ([]Entry, error)
	GetByPrefix(ctx context.Context, prefix string) ([]Entry, error)
	// GetByCode returns ErrNotFound when the code is absent.
	GetByCode(ctx context.Context, code string) (Entry, error)
	SearchNames(ctx context.Context, term string, limit int) ([]Entry, error)

	All(ctx context.Context) ([]Entry, error)
	UpsertEmbedding(ctx context.Context, code string, vector []float32, model string) error
	ClearEmbedding(ctx context.Context, code string) error
	EmbeddingModels(ctx context.Context) ([]string, error)
	UpsertEntries(ctx context.Context, entries []Entry) (int, error)
}

// Neighbor is one semantic search hit.
type Neighbor struct {
	Entry      Entry
	Similarity float64
}

// VectorIndex finds the nearest embedded entries. Entries without an
// embedding are never returned.
type VectorIndex interface {
	Nearest(ctx context.Context, vector []float32, topK int) ([]Neighbor, error)
}
