// Package queue implements deferred delivery of finalized records. Records
// stay in the store until upload confirmation, so a flush may be invoked
// repeatedly without re-sending anything already delivered.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
	"github.com/fieldmark-labs/fieldmark/backend/internal/transport"
)

var (
	errMissingStore     = errors.New("record store is required")
	errMissingSubmitter = errors.New("submitter is required")
	errMissingSurveyID  = errors.New("survey id is required")

	noOpLogger = zap.NewNop()
)

// Config carries the dependencies for constructing a Queue.
type Config struct {
	Store     *records.Store
	Submitter transport.Submitter
	SurveyID  string
	Logger    *zap.Logger
}

// Queue transmits the survey's queued final records through the transport.
type Queue struct {
	store     *records.Store
	submitter transport.Submitter
	surveyID  string
	logger    *zap.Logger

	mu       sync.Mutex
	flushing bool
}

// FlushResult is the consolidated outcome of one flush pass.
type FlushResult struct {
	// Attempted counts the records picked up by this pass. Zero with a nil
	// error means nothing was queued or another flush was already running.
	Attempted int
	// Succeeded lists display names of uploaded records, in upload order.
	Succeeded []string
	// Failed lists instance ids that remain queued for the next pass.
	Failed []string
	// Warnings lists attachments withheld from otherwise-accepted records.
	Warnings []string
}

// New validates the configuration and returns a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Submitter == nil {
		return nil, errMissingSubmitter
	}
	if cfg.SurveyID == "" {
		return nil, errMissingSurveyID
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Queue{
		store:     cfg.Store,
		submitter: cfg.Submitter,
		surveyID:  cfg.SurveyID,
		logger:    logger,
	}, nil
}

// EnqueueAndFlush attempts to transmit all queued final records. A record
// leaves the store only after the transport confirms it; failed records stay
// queued. Concurrent invocations are serialized: the second caller gets an
// empty no-op result. An authentication fault stops the pass immediately,
// preserving the successes already achieved in the result.
func (q *Queue) EnqueueAndFlush(ctx context.Context) (FlushResult, error) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return FlushResult{}, nil
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	queued, err := q.store.ListQueued(ctx, q.surveyID)
	if err != nil {
		return FlushResult{}, err
	}

	result := FlushResult{Attempted: len(queued)}
	for _, record := range queued {
		submission := transport.Submission{
			InstanceID:   record.InstanceID,
			DeprecatedID: record.DeprecatedID,
			XML:          record.XML,
			Files:        record.Files,
		}
		outcome, err := q.submitter.Submit(ctx, submission)
		if errors.Is(err, transport.ErrAuthRequired) {
			result.Failed = append(result.Failed, record.InstanceID)
			return result, err
		}
		if err != nil {
			q.logger.Warn("record upload failed, will retry on next flush",
				zap.String("instance_id", record.InstanceID),
				zap.Error(err))
			result.Failed = append(result.Failed, record.InstanceID)
			continue
		}

		if err := q.store.Remove(ctx, record.InstanceID); err != nil {
			// The server has the record; keeping it queued would re-send it.
			return result, err
		}
		result.Succeeded = append(result.Succeeded, displayName(record))
		result.Warnings = append(result.Warnings, outcome.FailedFiles...)
	}
	return result, nil
}

func displayName(record records.Record) string {
	if record.Name != "" {
		return record.Name
	}
	return record.InstanceID
}
