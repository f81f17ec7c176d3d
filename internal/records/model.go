package records

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// AutosaveSentinel marks the active-record slot while the session edits
// recovered autosave content. It is distinct from any real instance id.
const AutosaveSentinel = "__autosave__"

var (
	// ErrInvalidInstanceID indicates that an instance identifier is empty or exceeds storage bounds.
	ErrInvalidInstanceID = errors.New("records: invalid instance id")
	// ErrInvalidSurveyID indicates that a survey identifier is empty or exceeds storage bounds.
	ErrInvalidSurveyID = errors.New("records: invalid survey id")
)

// InstanceID represents a validated record instance identifier.
type InstanceID string

// NewInstanceID validates raw input and returns an InstanceID.
func NewInstanceID(rawInput string) (InstanceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidInstanceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidInstanceID, maxIdentifierLength)
	}
	return InstanceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id InstanceID) String() string {
	return string(id)
}

// SurveyID represents a validated survey (form template) identifier.
type SurveyID string

// NewSurveyID validates raw input and returns a SurveyID.
func NewSurveyID(rawInput string) (SurveyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSurveyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSurveyID, maxIdentifierLength)
	}
	return SurveyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SurveyID) String() string {
	return string(id)
}

// FileRef references a record attachment by name, optionally carrying
// in-memory content. A ref without content points at an attachment the
// transport resolves elsewhere.
type FileRef struct {
	Name    string `json:"name"`
	Content []byte `json:"content,omitempty"`
}

// HasContent reports whether the ref carries in-memory bytes.
func (f FileRef) HasContent() bool {
	return len(f.Content) > 0
}

// Record models one persisted survey response instance.
type Record struct {
	InstanceID       string    `gorm:"column:instance_id;primaryKey;size:190;not null"`
	DeprecatedID     string    `gorm:"column:deprecated_id;size:190;not null;default:''"`
	EnketoID         string    `gorm:"column:enketo_id;size:190;not null;index:idx_records_survey_name,priority:1"`
	Name             string    `gorm:"column:name;size:255;not null;default:'';index:idx_records_survey_name,priority:2"`
	XML              string    `gorm:"column:xml;type:text;not null"`
	Files            []FileRef `gorm:"column:files_json;type:text;serializer:json"`
	Draft            bool      `gorm:"column:draft;not null;default:false"`
	Queued           bool      `gorm:"column:queued;not null;default:false"`
	UpdatedAtSeconds int64     `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// AutosaveSnapshot holds the single unnamed shadow copy of in-progress
// edits for a survey. It carries no name or instance commitment.
type AutosaveSnapshot struct {
	EnketoID         string    `gorm:"column:enketo_id;primaryKey;size:190;not null"`
	XML              string    `gorm:"column:xml;type:text;not null"`
	Files            []FileRef `gorm:"column:files_json;type:text;serializer:json"`
	UpdatedAtSeconds int64     `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AutosaveSnapshot) TableName() string {
	return "autosave_snapshots"
}

// NameCounter issues monotonically non-decreasing default-name suffixes
// per survey.
type NameCounter struct {
	EnketoID string `gorm:"column:enketo_id;primaryKey;size:190;not null"`
	Value    int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (NameCounter) TableName() string {
	return "name_counters"
}
