package session

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
)

var (
	// ErrMissingTemplate indicates the form template is empty.
	ErrMissingTemplate = errors.New("session: form template is required")
	// ErrMalformedTemplate indicates the form template is not well-formed XML.
	ErrMalformedTemplate = errors.New("session: form template is not well-formed")
	// ErrMalformedInstance indicates a stored instance could not be parsed.
	ErrMalformedInstance = errors.New("session: instance data is not well-formed")
	// ErrValidationFailed indicates the form engine rejected the current data.
	ErrValidationFailed = errors.New("session: form data is invalid")
)

// FormConfig carries the dependencies for constructing a Form.
type FormConfig struct {
	// TemplateXML is the blank form instance the session resets to.
	TemplateXML string
	// InstanceName is the form-defined default instance name, if any.
	InstanceName string
	// BeforeSave lets the form finalize transient fields immediately before
	// snapshotting, e.g. stamping a completion timestamp into the data.
	BeforeSave func(currentXML string) string
	// Validator is consulted by Validate. A nil validator accepts all data.
	Validator func(ctx context.Context, xml string) error
}

// Form is the in-memory editing session. All access is serialized: the
// coordinator owns the session exclusively and invokes operations one at a
// time, but the HTTP surface may race data writes against autosave ticks,
// so the mutex stays.
type Form struct {
	templateXML  string
	templateRoot string
	instanceName string
	beforeSave   func(string) string
	validator    func(context.Context, string) error

	mu           sync.Mutex
	xml          string
	files        []records.FileRef
	instanceID   string
	deprecatedID string
	boundName    string
	dirty        bool
}

// NewForm validates the template and returns a blank editing session.
func NewForm(cfg FormConfig) (*Form, error) {
	if strings.TrimSpace(cfg.TemplateXML) == "" {
		return nil, ErrMissingTemplate
	}
	root, err := rootElement(cfg.TemplateXML)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTemplate, err)
	}

	return &Form{
		templateXML:  cfg.TemplateXML,
		templateRoot: root,
		instanceName: cfg.InstanceName,
		beforeSave:   cfg.BeforeSave,
		validator:    cfg.Validator,
		xml:          cfg.TemplateXML,
	}, nil
}

// SetData replaces the session data and marks the session dirty.
func (f *Form) SetData(xmlData string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.xml = xmlData
	f.dirty = true
}

// SetFiles replaces the session attachments and marks the session dirty.
func (f *Form) SetFiles(files []records.FileRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append([]records.FileRef(nil), files...)
	f.dirty = true
}

// Snapshot returns the serialized session state.
func (f *Form) Snapshot(_ context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		XML:          f.xml,
		InstanceID:   f.instanceID,
		DeprecatedID: f.deprecatedID,
		Files:        append([]records.FileRef(nil), f.files...),
	}, nil
}

// BeforeSave runs the configured hook to finalize transient fields.
func (f *Form) BeforeSave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beforeSave != nil {
		f.xml = f.beforeSave(f.xml)
	}
}

// HasUnsavedEdits reports whether the session holds unpersisted work.
func (f *Form) HasUnsavedEdits() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}

// InstanceName returns the form-defined instance name, if any.
func (f *Form) InstanceName() string {
	return f.instanceName
}

// BoundRecordName returns the record name bound to this session.
func (f *Form) BoundRecordName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boundName
}

// BindRecordName associates the session with a persisted record name.
func (f *Form) BindRecordName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundName = name
}

// AdoptIdentity installs the record identity the session is editing.
func (f *Form) AdoptIdentity(instanceID, deprecatedID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instanceID = instanceID
	f.deprecatedID = deprecatedID
}

// ResetToBlank re-initializes the session from the original template.
func (f *Form) ResetToBlank() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.xml = f.templateXML
	f.files = nil
	f.instanceID = ""
	f.deprecatedID = ""
	f.boundName = ""
	f.dirty = false
	return nil
}

// ResetToInstance replaces the session data with a stored instance. A root
// element mismatch against the template is reported as a structural warning;
// the session remains usable.
func (f *Form) ResetToInstance(xmlData string) ([]string, error) {
	root, err := rootElement(xmlData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInstance, err)
	}

	var warnings []string
	if root != f.templateRoot {
		warnings = append(warnings,
			fmt.Sprintf("instance root <%s> does not match template root <%s>", root, f.templateRoot))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.xml = xmlData
	f.files = nil
	f.instanceID = ""
	f.deprecatedID = ""
	f.boundName = ""
	f.dirty = false
	return warnings, nil
}

// Validate asks the configured validator whether the current data is valid.
func (f *Form) Validate(ctx context.Context) error {
	f.mu.Lock()
	data := f.xml
	f.mu.Unlock()

	if f.validator == nil {
		return nil
	}
	if err := f.validator(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return nil
}

func rootElement(data string) (string, error) {
	decoder := xml.NewDecoder(strings.NewReader(data))
	for {
		token, err := decoder.Token()
		if err != nil {
			return "", err
		}
		if start, ok := token.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
