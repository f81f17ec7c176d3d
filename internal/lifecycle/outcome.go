package lifecycle

// ConfirmationKind names the decision a suspended operation is waiting for.
type ConfirmationKind string

const (
	// ConfirmDiscardEdits asks whether unsaved session edits may be thrown
	// away before a reset or load proceeds.
	ConfirmDiscardEdits ConfirmationKind = "discard-edits"
	// ConfirmRecordName asks the user to confirm (and possibly edit) the
	// proposed draft name before it is persisted.
	ConfirmRecordName ConfirmationKind = "record-name"
	// ConfirmRecoverAutosave asks whether recovered unsaved work should be
	// adopted as the session's starting data.
	ConfirmRecoverAutosave ConfirmationKind = "recover-autosave"
)

// Confirmation is the pending half of the two-phase protocol: the operation
// returned without committing and resumes only via an explicit re-invocation
// carrying the user's decision.
type Confirmation struct {
	Kind ConfirmationKind
	// ProposedName is set for record-name confirmations; the user may edit it.
	ProposedName string
	// Message carries a prior validation error for re-display, if any.
	Message string
}

// StartOutcome reports the result of StartSession.
type StartOutcome struct {
	Pending           *Confirmation
	RecoveredAutosave bool
	Warnings          []string
}

// ResetOutcome reports the result of ResetSession.
type ResetOutcome struct {
	Pending *Confirmation
	Reset   bool
}

// LoadOutcome reports the result of LoadRecord.
type LoadOutcome struct {
	Pending    *Confirmation
	Loaded     bool
	InstanceID string
	Name       string
	// Warnings are non-fatal structural load problems; the session is
	// still usable.
	Warnings []string
}

// SaveOutcome reports the result of SaveRecord.
type SaveOutcome struct {
	Pending    *Confirmation
	Saved      bool
	Draft      bool
	Name       string
	InstanceID string
	// FlushScheduled is true when a final save deferred an upload-queue
	// flush.
	FlushScheduled bool
}

// SubmitOutcome reports the result of SubmitRecord. A non-empty FailedFiles
// with Submitted true is a partial success presented at warning level.
type SubmitOutcome struct {
	Submitted   bool
	FailedFiles []string
	// RedirectURL is set instead of a session reset when an external return
	// destination is configured.
	RedirectURL string
}
