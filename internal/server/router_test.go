package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/fieldmark-labs/fieldmark/backend/internal/lifecycle"
	"github.com/fieldmark-labs/fieldmark/backend/internal/notify"
	"github.com/fieldmark-labs/fieldmark/backend/internal/queue"
	"github.com/fieldmark-labs/fieldmark/backend/internal/records"
	"github.com/fieldmark-labs/fieldmark/backend/internal/session"
	"github.com/fieldmark-labs/fieldmark/backend/internal/transport"
)

const censusTemplate = `<census><name/><age/></census>`

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type fakeSubmitter struct {
	submissions []transport.Submission
	result      transport.Result
	err         error
}

func (s *fakeSubmitter) Submit(_ context.Context, submission transport.Submission) (transport.Result, error) {
	s.submissions = append(s.submissions, submission)
	if s.err != nil {
		return transport.Result{}, s.err
	}
	return s.result, nil
}

type serverFixture struct {
	handler   http.Handler
	db        *gorm.DB
	store     *records.Store
	form      *session.Form
	submitter *fakeSubmitter
	notifier  *notify.Dispatcher

	scheduledFlush func()
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:fieldmark_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&records.Record{}, &records.AutosaveSnapshot{}, &records.NameCounter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := records.NewStore(records.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	form, err := session.NewForm(session.FormConfig{TemplateXML: censusTemplate})
	if err != nil {
		t.Fatalf("failed to construct form: %v", err)
	}

	submitter := &fakeSubmitter{}
	uploadQueue, err := queue.New(queue.Config{Store: store, Submitter: submitter, SurveyID: "census"})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}

	fx := &serverFixture{db: db, store: store, form: form, submitter: submitter, notifier: notify.NewDispatcher()}

	coordinator, err := lifecycle.NewCoordinator(lifecycle.Config{
		Store:      store,
		Queue:      uploadQueue,
		Session:    form,
		Submitter:  submitter,
		Notifier:   fx.notifier,
		IDProvider: &staticIDGenerator{ids: []string{"id-1", "id-2", "id-3"}},
		SurveyID:   "census",
		SurveyName: "Census",
		FlushDelay: 1500 * time.Millisecond,
		Schedule: func(_ time.Duration, fn func()) {
			fx.scheduledFlush = fn
		},
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Coordinator: coordinator,
		Form:        form,
		Store:       store,
		Queue:       uploadQueue,
		Notifier:    fx.notifier,
		SurveyID:    "census",
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	fx.handler = handler
	return fx
}

func performJSON(t *testing.T, handler http.Handler, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func TestSaveDraftOverHTTPSuspendsThenCommits(t *testing.T) {
	fx := newServerFixture(t)

	recorder := performJSON(t, fx.handler, http.MethodPost, "/session/update", map[string]any{
		"xml": `<census><name>Ada</name><age/></census>`,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for session update, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/draft", map[string]any{"draft": true})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for draft intent, got %d", recorder.Code)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/save", map[string]any{})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 confirmation for unnamed draft, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	confirmation, ok := body["confirmation"].(map[string]any)
	if !ok {
		t.Fatalf("expected confirmation payload, got %v", body)
	}
	if confirmation["kind"] != string(lifecycle.ConfirmRecordName) {
		t.Fatalf("expected record-name confirmation, got %v", confirmation)
	}
	if confirmation["proposed_name"] != "Census - 1" {
		t.Fatalf("expected proposed default name, got %v", confirmation)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/save", map[string]any{
		"name":      "Census - 1",
		"confirmed": true,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for confirmed save, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body = decodeBody(t, recorder)
	if body["saved"] != true || body["draft"] != true {
		t.Fatalf("expected committed draft, got %v", body)
	}

	recorder = performJSON(t, fx.handler, http.MethodGet, "/records/drafts", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for drafts listing, got %d", recorder.Code)
	}
	body = decodeBody(t, recorder)
	drafts, ok := body["drafts"].([]any)
	if !ok || len(drafts) != 1 {
		t.Fatalf("expected one stored draft, got %v", body)
	}
	draft := drafts[0].(map[string]any)
	if draft["name"] != "Census - 1" || draft["instance_id"] != "id-1" {
		t.Fatalf("unexpected draft payload: %v", draft)
	}
}

func TestResetOverHTTPGuardsUnsavedEdits(t *testing.T) {
	fx := newServerFixture(t)

	recorder := performJSON(t, fx.handler, http.MethodPost, "/session/update", map[string]any{
		"xml": `<census><name>Ada</name><age/></census>`,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for session update, got %d", recorder.Code)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/reset", map[string]any{"confirmed": false})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 discard guard, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	confirmation := body["confirmation"].(map[string]any)
	if confirmation["kind"] != string(lifecycle.ConfirmDiscardEdits) {
		t.Fatalf("expected discard-edits confirmation, got %v", confirmation)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/reset", map[string]any{"confirmed": true})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for confirmed reset, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["reset"] != true {
		t.Fatalf("expected reset acknowledgement, got %v", body)
	}
}

func TestConflictingOperationWhilePendingIsRejectedUntilCancelled(t *testing.T) {
	fx := newServerFixture(t)

	recorder := performJSON(t, fx.handler, http.MethodPost, "/session/update", map[string]any{
		"xml": `<census><name>Ada</name><age/></census>`,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for session update, got %d", recorder.Code)
	}
	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/draft", map[string]any{"draft": true})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for draft intent, got %d", recorder.Code)
	}
	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/save", map[string]any{})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 name confirmation, got %d", recorder.Code)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/reset", map[string]any{"confirmed": true})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for conflicting operation, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["error"] != "confirmation_pending" {
		t.Fatalf("expected confirmation_pending error, got %v", body)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/cancel", nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for cancel, got %d", recorder.Code)
	}
	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/reset", map[string]any{"confirmed": true})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected reset to proceed after cancel, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestLoadMissingRecordReturnsNotFound(t *testing.T) {
	fx := newServerFixture(t)

	recorder := performJSON(t, fx.handler, http.MethodPost, "/records/no-such-record/load", map[string]any{"confirmed": true})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["error"] != "record_not_found" {
		t.Fatalf("expected record_not_found error, got %v", body)
	}
}

func TestLoadOverlongInstanceIDReturnsBadRequest(t *testing.T) {
	fx := newServerFixture(t)

	path := "/records/" + strings.Repeat("x", 191) + "/load"
	recorder := performJSON(t, fx.handler, http.MethodPost, path, map[string]any{"confirmed": true})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for overlong instance id, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["error"] != "invalid_instance_id" {
		t.Fatalf("expected invalid_instance_id error, got %v", body)
	}
}

func TestSaveOfConcurrentlyFinalizedDraftMapsToConflict(t *testing.T) {
	fx := newServerFixture(t)

	seed := records.Record{InstanceID: "inst-1", EnketoID: "census", Name: "Census - 3", XML: censusTemplate, Draft: true}
	if err := fx.store.Set(context.Background(), seed); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	recorder := performJSON(t, fx.handler, http.MethodPost, "/records/inst-1/load", map[string]any{"confirmed": true})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for load, got %d: %s", recorder.Code, recorder.Body.String())
	}

	// The stored row finalizes behind the session's back.
	if err := fx.db.Model(&records.Record{}).
		Where("instance_id = ?", "inst-1").
		Updates(map[string]any{"draft": false, "queued": true}).Error; err != nil {
		t.Fatalf("failed to finalize record out of band: %v", err)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/save", map[string]any{"confirmed": true})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for finalized record, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["error"] != "record_finalized" {
		t.Fatalf("expected record_finalized error, got %v", body)
	}
}

func TestSaveOfLoadedFinalMintsSuccessorOverHTTP(t *testing.T) {
	fx := newServerFixture(t)

	seed := records.Record{InstanceID: "final-1", EnketoID: "census", Name: "Ada's household", XML: censusTemplate, Draft: false, Queued: true}
	if err := fx.store.Set(context.Background(), seed); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	recorder := performJSON(t, fx.handler, http.MethodPost, "/records/final-1/load", map[string]any{"confirmed": true})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for load, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = performJSON(t, fx.handler, http.MethodPost, "/session/draft", map[string]any{"draft": false})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for draft intent, got %d", recorder.Code)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/save", map[string]any{})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for save, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["instance_id"] != "id-1" {
		t.Fatalf("revision must carry a fresh instance id, got %v", body)
	}

	successor, err := fx.store.Get(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if successor == nil || successor.DeprecatedID != "final-1" {
		t.Fatalf("successor must point at the predecessor, got %+v", successor)
	}
}

func TestSubmitOverHTTPReportsWithheldAttachments(t *testing.T) {
	fx := newServerFixture(t)
	fx.submitter.result = transport.Result{FailedFiles: []string{"photo.jpg"}}

	recorder := performJSON(t, fx.handler, http.MethodPost, "/session/update", map[string]any{
		"xml": `<census><name>Ada</name><age>36</age></census>`,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for session update, got %d", recorder.Code)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/submit", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for submit, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["submitted"] != true || body["level"] != "warning" {
		t.Fatalf("expected warning-level submit outcome, got %v", body)
	}
	failed, ok := body["failed_files"].([]any)
	if !ok || len(failed) != 1 || failed[0] != "photo.jpg" {
		t.Fatalf("expected withheld attachment report, got %v", body)
	}
	if len(fx.submitter.submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(fx.submitter.submissions))
	}
}

func TestSubmitOverHTTPMapsAuthFailure(t *testing.T) {
	fx := newServerFixture(t)
	fx.submitter.err = transport.ErrAuthRequired

	recorder := performJSON(t, fx.handler, http.MethodPost, "/session/update", map[string]any{
		"xml": `<census><name>Ada</name><age>36</age></census>`,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for session update, got %d", recorder.Code)
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/submit", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for auth failure, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if body := decodeBody(t, recorder); body["error"] != "auth_required" {
		t.Fatalf("expected auth_required error, got %v", body)
	}
}

func TestFlushQueueOverHTTPReportsUploadedNames(t *testing.T) {
	fx := newServerFixture(t)

	recorder := performJSON(t, fx.handler, http.MethodPost, "/session/update", map[string]any{
		"xml": `<census><name>Ada</name><age>36</age></census>`,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for session update, got %d", recorder.Code)
	}
	recorder = performJSON(t, fx.handler, http.MethodPost, "/records/save", map[string]any{"name": "Ada's household"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for final save, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = performJSON(t, fx.handler, http.MethodPost, "/queue/flush", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for queue flush, got %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	succeeded, ok := body["succeeded"].([]any)
	if !ok || len(succeeded) != 1 || succeeded[0] != "Ada's household" {
		t.Fatalf("expected uploaded record name, got %v", body)
	}
}

func TestInvalidJSONBodyIsRejected(t *testing.T) {
	fx := newServerFixture(t)

	request := httptest.NewRequest(http.MethodPost, "/records/save", strings.NewReader("{not json"))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	fx.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", recorder.Code)
	}
}

func TestEventsStreamDeliversSubmissionSignal(t *testing.T) {
	fx := newServerFixture(t)

	server := httptest.NewServer(fx.handler)
	defer server.Close()

	response, err := http.Get(server.URL + "/events")
	if err != nil {
		t.Fatalf("failed to open event stream: %v", err)
	}
	defer response.Body.Close()

	// The subscription registers asynchronously, so publish on a ticker until
	// the stream yields the event.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fx.notifier.Publish(notify.Event{Type: notify.EventRecordSubmitted, Timestamp: time.Now().UTC()})
			}
		}
	}()

	lines := make(chan string)
	go func() {
		reader := bufio.NewReader(response.Body)
		for {
			line, readErr := reader.ReadString('\n')
			if readErr != nil {
				close(lines)
				return
			}
			lines <- line
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case line, open := <-lines:
			if !open {
				t.Fatalf("event stream closed before delivering the signal")
			}
			if strings.Contains(line, notify.EventRecordSubmitted) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for submission event")
		}
	}
}
