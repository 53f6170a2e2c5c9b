package search

// Result is a single search hit returned to the caller. The visibility
// fields ride along so the annotation service can re-apply read access
// per principal before returning the hit; the index itself is not an
// access-control boundary.
type Result struct {
	ID         string   `json:"id"`
	ArticleID  string   `json:"articleId"`
	AuthorID   string   `json:"authorId"`
	AuthorName string   `json:"authorName"`
	Snippet    string   `json:"snippet"`
	IsPublic   bool     `json:"isPublic"`
	GroupIDs   []string `json:"groupIds"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterArticleID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over annotations.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push annotations into a search index.
type Indexer interface {
	IndexAnnotation(a AnnotationRecord) error
}

// AnnotationRecord is the data we index per annotation.
type AnnotationRecord struct {
	ID         string   `json:"id"`
	ArticleID  string   `json:"articleId"`
	AuthorID   string   `json:"authorId"`
	AuthorName string   `json:"authorName"`
	Body       string   `json:"body"`
	IsPublic   bool     `json:"isPublic"`
	GroupIDs   []string `json:"groupIds"`
}
