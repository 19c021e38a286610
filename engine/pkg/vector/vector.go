// Package vector defines the retrieval index the trainer writes and the
// generator reads. Namespaces isolate connection fingerprints; items are
// tagged by kind so DDL, documentation, and example pairs can be
// retrieved separately.
package vector

import "context"

// Kind tags what an indexed item represents.
type Kind string

const (
	KindDDL     Kind = "ddl"
	KindDoc     Kind = "doc"
	KindExample Kind = "example_q_sql"
)

// Item is one indexed unit. Text is what gets embedded and matched;
// Metadata carries side data such as the table name or, for examples,
// the question and SQL halves.
type Item struct {
	ID       string            `json:"id"`
	Kind     Kind              `json:"kind"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Scored is an item with its query relevance. Higher is more relevant.
type Scored struct {
	Item
	Score float64 `json:"score"`
}

// Index is the retrieval store. Implementations must rank Query results
// by descending score with a stable tiebreak on item ID, and must treat
// Upsert as idempotent per (namespace, id).
type Index interface {
	Upsert(ctx context.Context, namespace string, items []Item) error

	// Query returns the k best matches for the query text. A non-empty
	// kinds list restricts results to those kinds.
	Query(ctx context.Context, namespace, queryText string, k int, kinds ...Kind) ([]Scored, error)

	// All returns every item of one kind in the namespace, ordered by ID.
	All(ctx context.Context, namespace string, kind Kind) ([]Item, error)

	// Delete drops the whole namespace.
	Delete(ctx context.Context, namespace string) error
}

func kindAllowed(k Kind, kinds []Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
