package crawler

import (
	"net/http"
	"time"
)

// Price is a non-negative amount paired with an ISO 4217 currency code.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// Listing is the unit of persistence, keyed by its source URL.
// Pointer fields are nil when the value could not be extracted.
type Listing struct {
	URL         string    `json:"url"`
	Title       *string   `json:"title,omitempty"`
	Price       *Price    `json:"price,omitempty"`
	Mileage     *int64    `json:"mileage,omitempty"`
	VIN         *string   `json:"vin,omitempty"`
	PlateNumber *string   `json:"plate_number,omitempty"`
	PhotoURLs   []string  `json:"photo_urls"`
	SellerPhone *string   `json:"seller_phone,omitempty"`
	SellerName  *string   `json:"seller_name,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Page is the response of a successful fetch.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// BaseURL returns the URL relative links on the page resolve against.
func (p Page) BaseURL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// CrawlTask tracks one URL through a fetch-with-retry cycle.
type CrawlTask struct {
	URL     string
	Attempt int
	LastErr error
}

// FieldWarning records a field that could not be located or normalized.
type FieldWarning struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// RunState is the orchestrator's position in a crawl run.
type RunState string

// Orchestrator states.
const (
	StateIdle        RunState = "idle"
	StateEnumerating RunState = "enumerating"
	StateProcessing  RunState = "processing"
	StateReporting   RunState = "reporting"
)

// RunStatus summarises how a run ended.
type RunStatus string

// Run status values reported at the end of every run.
const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Stage names the pipeline step a per-URL failure happened in.
type Stage string

// Pipeline stages.
const (
	StageIndex   Stage = "index"
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageStore   Stage = "store"
)

// URLFailure is one per-URL failure surfaced in the run report.
type URLFailure struct {
	URL   string `json:"url"`
	Stage Stage  `json:"stage"`
	Error string `json:"error"`
}

// RunReport aggregates per-stage counts for one crawl run.
type RunReport struct {
	RunID            string        `json:"run_id"`
	Status           RunStatus     `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	Duration         time.Duration `json:"duration_ns"`
	FatalError       string        `json:"fatal_error,omitempty"`
	IndexPages       int           `json:"index_pages"`
	IndexFailure     string        `json:"index_failure,omitempty"`
	Discovered       int           `json:"discovered"`
	FetchSucceeded   int           `json:"fetch_succeeded"`
	FetchFailed      int           `json:"fetch_failed"`
	ExtractSucceeded int           `json:"extract_succeeded"`
	ExtractFailed    int           `json:"extract_failed"`
	FieldWarnings    int           `json:"field_warnings"`
	StoreSucceeded   int           `json:"store_succeeded"`
	StoreFailed      int           `json:"store_failed"`
	Skipped          int           `json:"skipped"`
	DeadlineExceeded bool          `json:"deadline_exceeded"`
	Failures         []URLFailure  `json:"failures,omitempty"`
}

// FailureCount is the number of per-URL failures across all stages.
func (r RunReport) FailureCount() int {
	return r.FetchFailed + r.ExtractFailed + r.StoreFailed
}
