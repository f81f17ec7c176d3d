package lifecycle

import (
	"errors"
	"strings"
)

var (
	// ErrValidationFailed indicates the session reported invalid data. The
	// save is not retried automatically; the session stays open for fixes.
	ErrValidationFailed = errors.New("lifecycle: form data is invalid")
	// ErrConfirmationPending indicates a different operation is suspended
	// awaiting user confirmation. The conflicting call is rejected rather
	// than queued.
	ErrConfirmationPending = errors.New("lifecycle: another operation awaits confirmation")
)

// MsgNameTaken is the re-prompt text carried back into the name confirmation
// dialog after a duplicate-name rejection.
const MsgNameTaken = "A record with this name already exists. Enter a different name to save."

// LoadError is fatal to starting or replacing an editing session. Causes are
// human-readable and shown as a list; EditingExisting selects the
// edit-vs-new contextual advice.
type LoadError struct {
	Causes          []string
	EditingExisting bool
}

func (e *LoadError) Error() string {
	return "lifecycle: session failed to initialize: " + strings.Join(e.Causes, "; ")
}

// Advice returns the contextual hint presented alongside the cause list.
func (e *LoadError) Advice() string {
	if e.EditingExisting {
		return "The record could not be opened for editing. Try again, or start a new record instead."
	}
	return "The blank form could not be loaded. Reload to try again."
}
