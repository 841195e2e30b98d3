package tools

import "context"

// SearchProvider is the interface every search backend implements.
// Available() checks provider-specific readiness (e.g. API key present).
type SearchProvider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SearchResult is one hit from a search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
