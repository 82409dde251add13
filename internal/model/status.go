package model

// ProcessingStatus tracks an FDD through the pipeline.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "Pending"
	ProcessingProcessing ProcessingStatus = "Processing"
	ProcessingCompleted  ProcessingStatus = "Completed"
	ProcessingFailed     ProcessingStatus = "Failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingFailed
}

// ExtractionStatus tracks a single section through extraction.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "Pending"
	ExtractionProcessing ExtractionStatus = "Processing"
	ExtractionSuccess    ExtractionStatus = "Success"
	ExtractionFailed     ExtractionStatus = "Failed"
	ExtractionSkipped    ExtractionStatus = "Skipped"
)

// Terminal reports whether the section needs no further extraction work.
func (s ExtractionStatus) Terminal() bool {
	return s == ExtractionSuccess || s == ExtractionFailed || s == ExtractionSkipped
}

// DocumentType classifies an FDD filing.
type DocumentType string

const (
	DocInitial   DocumentType = "Initial"
	DocAmendment DocumentType = "Amendment"
	DocRenewal   DocumentType = "Renewal"
)

// MatchKind describes how a franchisor candidate was resolved.
type MatchKind string

const (
	MatchExact          MatchKind = "Exact"
	MatchHighConfidence MatchKind = "HighConfidence"
	MatchCreated        MatchKind = "Created"
	MatchNeedsReview    MatchKind = "NeedsReview"
)

// Stage identifies a pipeline stage.
type Stage string

const (
	StageRegister Stage = "register"
	StageSegment  Stage = "segment"
	StageExtract  Stage = "extract"
	StageValidate Stage = "validate"
	StageStore    Stage = "store"
)
