package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fieldmark-labs/fieldmark/backend/internal/lifecycle"
	"github.com/fieldmark-labs/fieldmark/backend/internal/notify"
	"github.com/fieldmark-labs/fieldmark/backend/internal/queue"
	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
	"github.com/fieldmark-labs/fieldmark/backend/internal/session"
	"github.com/fieldmark-labs/fieldmark/backend/internal/transport"
)

var (
	errMissingCoordinator = errors.New("coordinator dependency required")
	errMissingForm        = errors.New("form session dependency required")
	errMissingStore       = errors.New("record store dependency required")
	errMissingQueue       = errors.New("upload queue dependency required")
)

// Dependencies wires the HTTP surface to the coordinator and its collaborators.
type Dependencies struct {
	Coordinator *lifecycle.Coordinator
	Form        *session.Form
	Store       *records.Store
	Queue       *queue.Queue
	Notifier    *notify.Dispatcher
	SurveyID    string
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the record lifecycle
// operations. The router is presentation plumbing only: it translates
// requests into coordinator calls and outcomes into JSON.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Form == nil {
		return nil, errMissingForm
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		form:        deps.Form,
		store:       deps.Store,
		queue:       deps.Queue,
		notifier:    deps.Notifier,
		surveyID:    deps.SurveyID,
		logger:      logger,
	}

	router.POST("/session/start", handler.handleStartSession)
	router.POST("/session/reset", handler.handleResetSession)
	router.POST("/session/update", handler.handleUpdateSession)
	router.POST("/session/draft", handler.handleDraftIntent)
	router.POST("/session/cancel", handler.handleCancelPending)
	router.POST("/records/:id/load", handler.handleLoadRecord)
	router.POST("/records/save", handler.handleSaveRecord)
	router.POST("/records/submit", handler.handleSubmitRecord)
	router.GET("/records/drafts", handler.handleListDrafts)
	router.POST("/queue/flush", handler.handleFlushQueue)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	coordinator *lifecycle.Coordinator
	form        *session.Form
	store       *records.Store
	queue       *queue.Queue
	notifier    *notify.Dispatcher
	surveyID    string
	logger      *zap.Logger
}

type confirmationPayload struct {
	Kind         string `json:"kind"`
	ProposedName string `json:"proposed_name,omitempty"`
	Message      string `json:"message,omitempty"`
}

func confirmationBody(confirmation *lifecycle.Confirmation) gin.H {
	return gin.H{
		"error": "confirmation_required",
		"confirmation": confirmationPayload{
			Kind:         string(confirmation.Kind),
			ProposedName: confirmation.ProposedName,
			Message:      confirmation.Message,
		},
	}
}

type startRequestPayload struct {
	InstanceID string `json:"instance_id"`
	Resume     *bool  `json:"resume"`
}

func (h *httpHandler) handleStartSession(c *gin.Context) {
	var request startRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.coordinator.StartSession(c.Request.Context(), lifecycle.StartRequest{
		InstanceID: request.InstanceID,
		Resume:     request.Resume,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if outcome.Pending != nil {
		c.JSON(http.StatusConflict, confirmationBody(outcome.Pending))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recovered_autosave": outcome.RecoveredAutosave,
		"warnings":           outcome.Warnings,
	})
}

type confirmedPayload struct {
	Confirmed bool `json:"confirmed"`
}

func (h *httpHandler) handleResetSession(c *gin.Context) {
	var request confirmedPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.coordinator.ResetSession(c.Request.Context(), request.Confirmed)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if outcome.Pending != nil {
		c.JSON(http.StatusConflict, confirmationBody(outcome.Pending))
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": outcome.Reset})
}

type filePayload struct {
	Name    string `json:"name"`
	Content []byte `json:"content,omitempty"`
}

type updateRequestPayload struct {
	XML   string        `json:"xml"`
	Files []filePayload `json:"files"`
}

func (h *httpHandler) handleUpdateSession(c *gin.Context) {
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.XML == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	h.form.SetData(request.XML)
	if request.Files != nil {
		files := make([]records.FileRef, 0, len(request.Files))
		for _, file := range request.Files {
			files = append(files, records.FileRef{Name: file.Name, Content: file.Content})
		}
		h.form.SetFiles(files)
	}

	if h.notifier != nil {
		h.notifier.Publish(notify.Event{Type: notify.EventRecordEdited, Timestamp: time.Now().UTC()})
	}
	h.coordinator.AutoSave(c.Request.Context())

	c.Status(http.StatusNoContent)
}

type draftIntentPayload struct {
	Draft bool `json:"draft"`
}

func (h *httpHandler) handleDraftIntent(c *gin.Context) {
	var request draftIntentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.coordinator.SetDraft(request.Draft)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCancelPending(c *gin.Context) {
	h.coordinator.CancelPending()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLoadRecord(c *gin.Context) {
	var request confirmedPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.coordinator.LoadRecord(c.Request.Context(), c.Param("id"), request.Confirmed)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if outcome.Pending != nil {
		c.JSON(http.StatusConflict, confirmationBody(outcome.Pending))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instance_id": outcome.InstanceID,
		"name":        outcome.Name,
		"warnings":    outcome.Warnings,
	})
}

type saveRequestPayload struct {
	Name       string `json:"name"`
	Confirmed  bool   `json:"confirmed"`
	PriorError string `json:"prior_error"`
}

func (h *httpHandler) handleSaveRecord(c *gin.Context) {
	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.coordinator.SaveRecord(c.Request.Context(), lifecycle.SaveRequest{
		Name:       request.Name,
		Confirmed:  request.Confirmed,
		PriorError: request.PriorError,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if outcome.Pending != nil {
		c.JSON(http.StatusConflict, confirmationBody(outcome.Pending))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"saved":           outcome.Saved,
		"draft":           outcome.Draft,
		"name":            outcome.Name,
		"instance_id":     outcome.InstanceID,
		"flush_scheduled": outcome.FlushScheduled,
	})
}

func (h *httpHandler) handleSubmitRecord(c *gin.Context) {
	outcome, err := h.coordinator.SubmitRecord(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	level := "success"
	if len(outcome.FailedFiles) > 0 {
		level = "warning"
	}
	c.JSON(http.StatusOK, gin.H{
		"submitted":    outcome.Submitted,
		"failed_files": outcome.FailedFiles,
		"redirect_url": outcome.RedirectURL,
		"level":        level,
	})
}

func (h *httpHandler) handleListDrafts(c *gin.Context) {
	drafts, err := h.store.ListDrafts(c.Request.Context(), h.surveyID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	type draftPayload struct {
		InstanceID       string `json:"instance_id"`
		Name             string `json:"name"`
		UpdatedAtSeconds int64  `json:"updated_at_s"`
	}
	response := make([]draftPayload, 0, len(drafts))
	for _, draft := range drafts {
		response = append(response, draftPayload{
			InstanceID:       draft.InstanceID,
			Name:             draft.Name,
			UpdatedAtSeconds: draft.UpdatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"drafts": response})
}

func (h *httpHandler) handleFlushQueue(c *gin.Context) {
	result, err := h.queue.EnqueueAndFlush(c.Request.Context())
	if err != nil && !errors.Is(err, transport.ErrAuthRequired) {
		h.logger.Error("queue flush failed", zap.Error(err))
	}
	if errors.Is(err, transport.ErrAuthRequired) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":     "auth_required",
			"succeeded": result.Succeeded,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "flush_failed",
			"succeeded": result.Succeeded,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"warnings":  result.Warnings,
	})
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	var loadErr *lifecycle.LoadError
	switch {
	case errors.Is(err, lifecycle.ErrConfirmationPending):
		c.JSON(http.StatusConflict, gin.H{"error": "confirmation_pending"})
	case errors.Is(err, records.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
	case errors.Is(err, records.ErrInvalidInstanceID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_instance_id"})
	case errors.Is(err, records.ErrRecordFinalized):
		// The stored record finalized after it was loaded; the client should
		// reload it to pick up the supersede flow.
		c.JSON(http.StatusConflict, gin.H{"error": "record_finalized"})
	case errors.Is(err, records.ErrDuplicateName):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_name",
			"message": lifecycle.MsgNameTaken,
		})
	case errors.Is(err, lifecycle.ErrValidationFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed"})
	case errors.Is(err, transport.ErrAuthRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_required"})
	case errors.As(err, &loadErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "load_failed",
			"causes": loadErr.Causes,
			"advice": loadErr.Advice(),
		})
	case errors.Is(err, records.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "message": err.Error()})
	default:
		h.logger.Error("operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
