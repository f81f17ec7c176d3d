// Package lifecycle implements the record lifecycle coordinator: it mediates
// between the in-memory editing session and the local record store, and hands
// finalized records to the upload queue. It never renders; callers consume
// outcomes and pending confirmations.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldmark-labs/fieldmark/backend/internal/notify"
	"github.com/fieldmark-labs/fieldmark/backend/internal/queue"
	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
	"github.com/fieldmark-labs/fieldmark/backend/internal/session"
	"github.com/fieldmark-labs/fieldmark/backend/internal/transport"
)

var (
	errMissingStore      = errors.New("record store is required")
	errMissingQueue      = errors.New("upload queue is required")
	errMissingSession    = errors.New("session adapter is required")
	errMissingSubmitter  = errors.New("submitter is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSurvey     = errors.New("survey identity is required")

	noOpLogger = zap.NewNop()
)

type pendingOp string

const (
	opNone   pendingOp = ""
	opStart  pendingOp = "start"
	opReset  pendingOp = "reset"
	opLoad   pendingOp = "load"
	opSave   pendingOp = "save"
	opSubmit pendingOp = "submit"
)

// Config carries the dependencies for constructing a Coordinator.
type Config struct {
	Store      *records.Store
	Queue      *queue.Queue
	Session    session.Adapter
	Submitter  transport.Submitter
	Notifier   *notify.Dispatcher
	IDProvider records.IDProvider
	SurveyID   string
	SurveyName string
	// ReturnURL, when set, is yielded after a successful direct submission
	// instead of resetting the session.
	ReturnURL string
	// FlushDelay separates the save-success report from the deferred upload
	// flush so the two notifications are never shown simultaneously.
	FlushDelay time.Duration
	// Schedule defers a function; defaults to time.AfterFunc. Tests inject
	// a synchronous scheduler.
	Schedule func(delay time.Duration, fn func())
	// OnFlush receives the consolidated result of a deferred flush.
	OnFlush func(result queue.FlushResult, err error)
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Coordinator owns the single logical editing session. Operations run to
// completion or suspend awaiting a user decision; while a confirmation is
// pending, conflicting operations are rejected.
type Coordinator struct {
	store      *records.Store
	queue      *queue.Queue
	session    session.Adapter
	submitter  transport.Submitter
	notifier   *notify.Dispatcher
	idProvider records.IDProvider
	surveyID   string
	surveyName string
	returnURL  string
	flushDelay time.Duration
	schedule   func(time.Duration, func())
	onFlush    func(queue.FlushResult, error)
	clock      func() time.Time
	logger     *zap.Logger

	mu           sync.Mutex
	pending      pendingOp
	draft        bool
	saveInFlight bool
	// boundFinal is true while the session edits a loaded finalized record;
	// the next save supersedes it instead of updating in place.
	boundFinal bool
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Session == nil {
		return nil, errMissingSession
	}
	if cfg.Submitter == nil {
		return nil, errMissingSubmitter
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.SurveyName == "" {
		return nil, errMissingSurvey
	}
	surveyID, err := records.NewSurveyID(cfg.SurveyID)
	if err != nil {
		return nil, err
	}

	schedule := cfg.Schedule
	if schedule == nil {
		schedule = func(delay time.Duration, fn func()) { time.AfterFunc(delay, fn) }
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Coordinator{
		store:      cfg.Store,
		queue:      cfg.Queue,
		session:    cfg.Session,
		submitter:  cfg.Submitter,
		notifier:   cfg.Notifier,
		idProvider: cfg.IDProvider,
		surveyID:   surveyID.String(),
		surveyName: cfg.SurveyName,
		returnURL:  cfg.ReturnURL,
		flushDelay: cfg.FlushDelay,
		schedule:   schedule,
		onFlush:    cfg.OnFlush,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SetDraft records the UI draft intent consumed by SaveRecord.
func (c *Coordinator) SetDraft(draft bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = draft
}

// Draft returns the current UI draft intent.
func (c *Coordinator) Draft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// CancelPending declines whatever confirmation is outstanding. Declining
// never commits anything.
func (c *Coordinator) CancelPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = opNone
}

// StartRequest drives StartSession. Resume is the user's decision about a
// recovered autosave snapshot: nil until asked, then accept or decline.
type StartRequest struct {
	InstanceID string
	Resume     *bool
}

// StartSession constructs or resumes the editing session. When an autosave
// snapshot exists and no explicit instance was requested, it suspends for
// recovery consent; accept adopts the snapshot data, decline discards the
// snapshot.
func (c *Coordinator) StartSession(ctx context.Context, req StartRequest) (StartOutcome, error) {
	if err := c.acquire(opStart); err != nil {
		return StartOutcome{}, err
	}

	if req.InstanceID != "" {
		c.resolve()
		loadOutcome, err := c.LoadRecord(ctx, req.InstanceID, true)
		if err != nil {
			return StartOutcome{}, err
		}
		return StartOutcome{Warnings: loadOutcome.Warnings}, nil
	}

	snapshot, err := c.store.GetAutoSaved(ctx, c.surveyID)
	if err != nil {
		return StartOutcome{}, err
	}

	if snapshot != nil && req.Resume == nil {
		c.suspend(opStart)
		return StartOutcome{Pending: &Confirmation{Kind: ConfirmRecoverAutosave}}, nil
	}
	c.resolve()

	if snapshot != nil && *req.Resume {
		warnings, err := c.session.ResetToInstance(snapshot.XML)
		if err != nil {
			return StartOutcome{}, &LoadError{Causes: []string{err.Error()}}
		}
		c.store.SetActive(records.AutosaveSentinel)
		c.SetDraft(false)
		c.setBoundFinal(false)
		return StartOutcome{RecoveredAutosave: true, Warnings: warnings}, nil
	}

	if snapshot != nil {
		if err := c.store.RemoveAutoSaved(ctx, c.surveyID); err != nil {
			c.logger.Warn("failed to discard declined autosave snapshot", zap.Error(err))
		}
	}

	if err := c.session.ResetToBlank(); err != nil {
		return StartOutcome{}, &LoadError{Causes: []string{err.Error()}}
	}
	c.store.SetActive("")
	c.SetDraft(false)
	c.setBoundFinal(false)
	return StartOutcome{}, nil
}

// ResetSession discards the active session and starts a clean one. With
// unsaved edits and confirmed false it suspends instead of resetting; work
// is never silently discarded.
func (c *Coordinator) ResetSession(_ context.Context, confirmed bool) (ResetOutcome, error) {
	if err := c.acquire(opReset); err != nil {
		return ResetOutcome{}, err
	}

	if c.session.HasUnsavedEdits() && !confirmed {
		c.suspend(opReset)
		return ResetOutcome{Pending: &Confirmation{Kind: ConfirmDiscardEdits}}, nil
	}
	c.resolve()

	c.SetDraft(false)
	c.setBoundFinal(false)
	c.store.SetActive("")
	if err := c.session.ResetToBlank(); err != nil {
		return ResetOutcome{}, &LoadError{Causes: []string{err.Error()}}
	}
	return ResetOutcome{Reset: true}, nil
}

// LoadRecord replaces the session with a stored record. The unsaved-edits
// guard matches ResetSession. A missing record or empty payload yields
// records.ErrNotFound with no state change. Loading a finalized record arms
// the supersede path: the next save mints a successor instead of updating.
func (c *Coordinator) LoadRecord(ctx context.Context, rawInstanceID string, confirmed bool) (LoadOutcome, error) {
	instanceID, err := records.NewInstanceID(rawInstanceID)
	if err != nil {
		return LoadOutcome{}, err
	}

	if err := c.acquire(opLoad); err != nil {
		return LoadOutcome{}, err
	}

	if c.session.HasUnsavedEdits() && !confirmed {
		c.suspend(opLoad)
		return LoadOutcome{Pending: &Confirmation{Kind: ConfirmDiscardEdits}}, nil
	}
	c.resolve()

	record, err := c.store.Get(ctx, instanceID.String())
	if err != nil {
		return LoadOutcome{}, err
	}
	if record == nil || record.XML == "" {
		return LoadOutcome{}, fmt.Errorf("%w: %s", records.ErrNotFound, instanceID)
	}

	warnings, err := c.session.ResetToInstance(record.XML)
	if err != nil {
		return LoadOutcome{}, &LoadError{Causes: []string{err.Error()}, EditingExisting: true}
	}
	c.session.AdoptIdentity(record.InstanceID, record.DeprecatedID)
	c.session.BindRecordName(record.Name)
	c.store.SetActive(record.InstanceID)
	c.setBoundFinal(!record.Draft)
	c.SetDraft(true)

	return LoadOutcome{
		Loaded:     true,
		InstanceID: record.InstanceID,
		Name:       record.Name,
		Warnings:   warnings,
	}, nil
}

// SaveRequest drives SaveRecord. PriorError carries a validation message
// from a failed attempt back into the confirmation dialog.
type SaveRequest struct {
	Name       string
	Confirmed  bool
	PriorError string
}

// SaveRecord persists the current session as a record: name resolution,
// draft name confirmation, then commit. On success the autosave slot is
// removed and the session reset to blank; a final save additionally defers
// an upload-queue flush.
func (c *Coordinator) SaveRecord(ctx context.Context, req SaveRequest) (SaveOutcome, error) {
	if err := c.acquire(opSave); err != nil {
		return SaveOutcome{}, err
	}

	name := req.Name
	if name == "" {
		resolved, err := c.resolveName(ctx)
		if err != nil {
			return SaveOutcome{}, err
		}
		name = resolved
	}

	draft := c.Draft()
	if draft && !req.Confirmed {
		c.suspend(opSave)
		return SaveOutcome{Pending: &Confirmation{
			Kind:         ConfirmRecordName,
			ProposedName: name,
			Message:      req.PriorError,
		}}, nil
	}
	c.resolve()

	if !draft {
		if err := c.session.Validate(ctx); err != nil {
			return SaveOutcome{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}

	c.setSaveInFlight(true)
	defer c.setSaveInFlight(false)

	c.session.BeforeSave()
	snapshot, err := c.session.Snapshot(ctx)
	if err != nil {
		return SaveOutcome{}, err
	}

	instanceID := snapshot.InstanceID
	if instanceID == "" {
		instanceID, err = c.idProvider.NewID()
		if err != nil {
			return SaveOutcome{}, err
		}
	}

	record := records.Record{
		InstanceID:   instanceID,
		DeprecatedID: snapshot.DeprecatedID,
		EnketoID:     c.surveyID,
		Name:         name,
		XML:          snapshot.XML,
		Files:        snapshot.Files,
		Draft:        draft,
		Queued:       !draft,
	}

	bound := c.session.BoundRecordName() != ""
	switch {
	case bound && c.isBoundFinal():
		// Finalized records are never updated in place: the revision gets a
		// fresh identity and the predecessor id moves into DeprecatedID.
		predecessorID := instanceID
		instanceID, err = c.idProvider.NewID()
		if err != nil {
			return SaveOutcome{}, err
		}
		record.InstanceID = instanceID
		record.DeprecatedID = predecessorID
		err = c.store.Supersede(ctx, predecessorID, record)
	case bound:
		err = c.store.Update(ctx, record)
	default:
		err = c.store.Set(ctx, record)
	}
	if err != nil {
		c.logger.Error("record save failed",
			zap.String("instance_id", instanceID),
			zap.Bool("draft", draft),
			zap.Error(err))
		return SaveOutcome{}, err
	}

	if err := c.store.RemoveAutoSaved(ctx, c.surveyID); err != nil {
		c.logger.Warn("failed to remove autosave snapshot after save", zap.Error(err))
	}
	if err := c.session.ResetToBlank(); err != nil {
		return SaveOutcome{}, &LoadError{Causes: []string{err.Error()}}
	}
	c.store.SetActive("")
	c.SetDraft(false)
	c.setBoundFinal(false)

	outcome := SaveOutcome{
		Saved:      true,
		Draft:      draft,
		Name:       name,
		InstanceID: instanceID,
	}
	if !draft {
		c.schedule(c.flushDelay, c.runDeferredFlush)
		outcome.FlushScheduled = true
	}
	return outcome, nil
}

// resolveName derives the default record name: the session-provided instance
// name, else the record name already bound to this session, else
// "<survey name> - <next counter value>".
func (c *Coordinator) resolveName(ctx context.Context) (string, error) {
	if name := c.session.InstanceName(); name != "" {
		return name, nil
	}
	if name := c.session.BoundRecordName(); name != "" {
		return name, nil
	}
	counter, err := c.store.NextCounter(ctx, c.surveyID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s - %d", c.surveyName, counter), nil
}

// AutoSave shadows unsaved new work into the single autosave slot. It is a
// no-op when the session is bound to a persisted record, dropped while a
// save commit is in flight, and best-effort otherwise: failures are logged,
// never surfaced.
func (c *Coordinator) AutoSave(ctx context.Context) {
	if c.session.BoundRecordName() != "" {
		return
	}
	if c.isSaveInFlight() {
		return
	}

	snapshot, err := c.session.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("autosave snapshot failed", zap.Error(err))
		return
	}
	partial := records.SnapshotPartial{XML: snapshot.XML, Files: snapshot.Files}
	if err := c.store.UpdateAutoSaved(ctx, c.surveyID, partial); err != nil {
		c.logger.Warn("autosave write failed", zap.Error(err))
	}
}

// SubmitRecord hands the current snapshot directly to the transport. Per-file
// transmission failures are a partial success; the overall status stays
// success with a warning list.
func (c *Coordinator) SubmitRecord(ctx context.Context) (SubmitOutcome, error) {
	if err := c.acquire(opSubmit); err != nil {
		return SubmitOutcome{}, err
	}
	c.resolve()

	if err := c.session.Validate(ctx); err != nil {
		return SubmitOutcome{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	c.session.BeforeSave()
	snapshot, err := c.session.Snapshot(ctx)
	if err != nil {
		return SubmitOutcome{}, err
	}

	instanceID := snapshot.InstanceID
	if instanceID == "" {
		instanceID, err = c.idProvider.NewID()
		if err != nil {
			return SubmitOutcome{}, err
		}
	}

	result, err := c.submitter.Submit(ctx, transport.Submission{
		InstanceID:   instanceID,
		DeprecatedID: snapshot.DeprecatedID,
		XML:          snapshot.XML,
		Files:        snapshot.Files,
	})
	if err != nil {
		c.logger.Error("direct submission failed",
			zap.String("instance_id", instanceID),
			zap.Error(err))
		return SubmitOutcome{}, err
	}

	if c.notifier != nil {
		c.notifier.Publish(notify.Event{Type: notify.EventRecordSubmitted, Timestamp: c.clock()})
	}
	if err := c.store.RemoveAutoSaved(ctx, c.surveyID); err != nil {
		c.logger.Warn("failed to remove autosave snapshot after submit", zap.Error(err))
	}

	outcome := SubmitOutcome{Submitted: true, FailedFiles: result.FailedFiles}
	if c.returnURL != "" {
		outcome.RedirectURL = c.returnURL
		return outcome, nil
	}

	if err := c.session.ResetToBlank(); err != nil {
		return outcome, &LoadError{Causes: []string{err.Error()}}
	}
	c.store.SetActive("")
	c.SetDraft(false)
	c.setBoundFinal(false)
	return outcome, nil
}

func (c *Coordinator) runDeferredFlush() {
	result, err := c.queue.EnqueueAndFlush(context.Background())
	if err != nil {
		c.logger.Warn("deferred upload flush failed", zap.Error(err))
	} else if len(result.Succeeded) > 0 {
		c.logger.Info("deferred upload flush completed",
			zap.Strings("uploaded", result.Succeeded),
			zap.Strings("still_queued", result.Failed))
	}
	if c.onFlush != nil {
		c.onFlush(result, err)
	}
}

// acquire rejects the call when a different operation is suspended awaiting
// confirmation.
func (c *Coordinator) acquire(op pendingOp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != opNone && c.pending != op {
		return fmt.Errorf("%w: %s pending", ErrConfirmationPending, c.pending)
	}
	return nil
}

func (c *Coordinator) suspend(op pendingOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = op
}

func (c *Coordinator) resolve() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = opNone
}

func (c *Coordinator) setSaveInFlight(inFlight bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveInFlight = inFlight
}

func (c *Coordinator) isSaveInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveInFlight
}

func (c *Coordinator) setBoundFinal(boundFinal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boundFinal = boundFinal
}

func (c *Coordinator) isBoundFinal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundFinal
}
