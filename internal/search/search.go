package search

// Result is a single search hit returned to the caller.
type Result struct {
	Type     string  `json:"type"`
	Database string  `json:"database"`
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Database string // empty = all databases
	Type     string // empty = all entity kinds
	Limit    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// EntityRecord is the data we index for one entity. Text collects the
// free-form fields (description, summary, notes) into one searchable blob.
type EntityRecord struct {
	ID       string   `json:"id"`
	EntityID string   `json:"entityId"`
	Type     string   `json:"type"`
	Database string   `json:"database"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases"`
	Text     string   `json:"text"`
	Tags     []string `json:"tags"`
}
