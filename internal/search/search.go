package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request over public listings.
type Query struct {
	Text           string
	FilterCategory string
	Limit          int
	Offset         int
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

// ListingRecord is the data we index for a listing. Only public fields are
// indexed; access tokens and founder contacts never enter the index.
type ListingRecord struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
}
