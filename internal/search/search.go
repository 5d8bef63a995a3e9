// Package search provides task search with a Meilisearch primary and a
// PostgreSQL full-text-search fallback.
package search

// Query is a board-scoped task search.
type Query struct {
	BoardID string
	Text    string
	Limit   int
}

// Result is one task hit.
type Result struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// TaskRecord is the indexed shape of a task.
type TaskRecord struct {
	ID          string `json:"id"`
	BoardID     string `json:"boardId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    string `json:"priority"`
}

// Searcher executes queries.
type Searcher interface {
	Search(q Query) ([]Result, error)
	Healthy() bool
}
