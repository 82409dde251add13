package model

import "time"

// Severity ranks validation findings. Errors block storage, warnings store
// with needs_review, infos store and log only.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Category classifies what kind of check produced a finding.
type Category string

const (
	CategorySchema       Category = "SCHEMA"
	CategoryBusinessRule Category = "BUSINESS_RULE"
	CategoryCrossField   Category = "CROSS_FIELD"
	CategoryRange        Category = "RANGE"
	CategoryFormat       Category = "FORMAT"
	CategoryReference    Category = "REFERENCE"
)

// ValidationError is one structured finding against an extraction result.
type ValidationError struct {
	FieldPath string   `json:"field_path"`
	Severity  Severity `json:"severity"`
	Category  Category `json:"category"`
	Actual    string   `json:"actual,omitempty"`
	Expected  string   `json:"expected,omitempty"`
	Message   string   `json:"message"`
}

// Bypass is an operator-recorded exception. While active it demotes
// Error-severity findings to Warning for the named entity only.
type Bypass struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	EntityType string     `json:"entity_type"`
	Reason     string     `json:"reason"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the bypass is still in force.
func (b Bypass) Active() bool {
	return b.RevokedAt == nil
}
