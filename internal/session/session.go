// Package session exposes the editing-session facade consumed by the record
// lifecycle coordinator. The form-rendering engine owns field evaluation;
// this package only mediates the accessors the coordinator needs: the
// current data snapshot, dirty status, and record identity fields.
package session

import (
	"context"

	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
)

// Snapshot is the serialized state of the editing session at save time.
type Snapshot struct {
	XML          string
	InstanceID   string
	DeprecatedID string
	Files        []records.FileRef
}

// Adapter is the thin facade over the form-editing session.
type Adapter interface {
	// Snapshot returns the serialized session state.
	Snapshot(ctx context.Context) (Snapshot, error)
	// BeforeSave lets the session finalize transient fields, e.g. a
	// completion timestamp, immediately before a save or submit snapshot.
	// Autosave snapshots skip it.
	BeforeSave()
	// HasUnsavedEdits reports whether the session holds work not yet
	// persisted to a record.
	HasUnsavedEdits() bool
	// InstanceName returns the session-provided instance name, if the form
	// defines one.
	InstanceName() string
	// BoundRecordName returns the record name bound to this session, or ""
	// when the session is not editing a persisted record.
	BoundRecordName() string
	// BindRecordName associates the session with a persisted record name.
	BindRecordName(name string)
	// AdoptIdentity installs the record identity the session is editing.
	AdoptIdentity(instanceID, deprecatedID string)
	// ResetToBlank re-initializes the session from the original template
	// with no instance data, discarding in-memory edits.
	ResetToBlank() error
	// ResetToInstance replaces the session data with a stored instance.
	// Returned strings are non-fatal structural warnings; a non-nil error
	// means the session could not adopt the instance at all.
	ResetToInstance(xml string) ([]string, error)
	// Validate asks the form engine whether the current data is valid.
	Validate(ctx context.Context) error
}
