package model

import "time"

// FDD is a single franchise disclosure filing. At most one of SupersededBy
// and DuplicateOf is set; a superseded FDD is never the latest for its
// franchisor.
type FDD struct {
	ID               string           `json:"id"`
	FranchisorID     string           `json:"franchisor_id"`
	IssueDate        time.Time        `json:"issue_date"`
	AmendmentDate    *time.Time       `json:"amendment_date,omitempty"`
	DocumentType     DocumentType     `json:"document_type"`
	FilingState      string           `json:"filing_state"`
	StoragePath      string           `json:"storage_path"`
	ContentHash      string           `json:"content_hash"`
	TotalPages       int              `json:"total_pages"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	SupersededBy     *string          `json:"superseded_by,omitempty"`
	DuplicateOf      *string          `json:"duplicate_of,omitempty"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	QualityScore     *float64         `json:"quality_score,omitempty"`
	TokensUsed       int              `json:"tokens_used"`
	CostUSD          float64          `json:"cost_usd"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// LineageDepthLimit bounds iterative supersession/duplicate lookups so an
// accidental cycle in the lineage DAG cannot spin forever.
const LineageDepthLimit = 64

// RawDocument is what a scraper hands to registration: the bytes plus the
// portal metadata that came with them.
type RawDocument struct {
	Bytes          []byte            `json:"-"`
	SourceState    string            `json:"source_state"`
	SourceURL      string            `json:"source_url"`
	FranchisorName string            `json:"franchisor_name"`
	DocumentType   DocumentType      `json:"document_type"`
	IssueDate      time.Time         `json:"issue_date"`
	AmendmentDate  *time.Time        `json:"amendment_date,omitempty"`
	PortalMetadata map[string]string `json:"portal_metadata,omitempty"`
}

// Scraper produces raw documents from a state portal. Implementations live
// outside the core; the pipeline only consumes the records.
type Scraper interface {
	Next() (*RawDocument, error)
}

// ProcessingRun records one scheduler invocation over a batch of FDDs.
type ProcessingRun struct {
	ID         string         `json:"id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
}
