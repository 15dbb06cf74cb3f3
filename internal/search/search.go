package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultReport       ResultType = "report"
	ResultNotification ResultType = "notification"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	TenantID string     `json:"tenantId"`
	Resource string     `json:"resource,omitempty"`
}

// Query describes a search request. TenantID is mandatory: search never
// crosses tenant boundaries.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	TenantID   string
	UserID     string // scopes notification hits to their owner
	Limit      int
	Offset     int
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

// ReportRecord is the data we index for a report.
type ReportRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	TenantID string `json:"tenantId"`
	Status   string `json:"status"`
}

// NotificationRecord is the data we index for a notification.
type NotificationRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Resource string `json:"resource"`
}
