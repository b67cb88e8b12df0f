package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipstream/grabber/internal/auth"
	"github.com/slipstream/grabber/internal/config"
	"github.com/slipstream/grabber/internal/engine"
	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/queue"
	"github.com/slipstream/grabber/internal/scheduler"
	"github.com/slipstream/grabber/internal/store"
	"github.com/slipstream/grabber/internal/testutil"
)

type fakeEngine struct {
	mu        sync.Mutex
	submitted []*jobs.Intent
	cancelled []int64
	paused    []int64
	outcome   queue.Outcome
	err       error
	snapshot  queue.Snapshot
}

func (f *fakeEngine) Submit(_ context.Context, in *jobs.Intent) (queue.Outcome, *jobs.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := in.Validate(); err != nil {
		return queue.OutcomeAccepted, nil, err
	}
	if f.err != nil {
		return queue.OutcomeAccepted, nil, f.err
	}
	f.submitted = append(f.submitted, in)
	if f.outcome == queue.OutcomeCancelled {
		return f.outcome, nil, nil
	}
	return f.outcome, &jobs.Batch{ID: 1, ContentID: in.ContentID}, nil
}

func (f *fakeEngine) Cancel(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ids...)
	return f.err
}

func (f *fakeEngine) Pause(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, id)
	return f.err
}

func (f *fakeEngine) Resume(context.Context, int64) error {
	return f.err
}

func (f *fakeEngine) Snapshot() queue.Snapshot {
	return f.snapshot
}

type harness struct {
	srv    *Server
	eng    *fakeEngine
	store  *store.SQLStore
	token  string
	secure bool
}

func newHarness(t *testing.T, secure bool) *harness {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	h := &harness{eng: &fakeEngine{}, store: store.New(tdb.Conn), secure: secure}

	authCfg := config.AuthConfig{}
	if secure {
		authCfg.JWTSecret = "secret"
	}
	svc := auth.NewService(authCfg)
	if secure {
		tok, _, err := svc.GenerateToken("test")
		require.NoError(t, err)
		h.token = tok
	}

	sched, err := scheduler.New(testutil.NopLogger())
	require.NoError(t, err)
	require.NoError(t, sched.RegisterTask(scheduler.TaskConfig{
		ID: "reconcile-transfers", Name: "Reconcile", Every: time.Hour,
		Func: func(context.Context) error { return nil },
	}))

	h.srv = NewServer(Deps{Engine: h.eng, Store: h.store, Auth: svc, Scheduler: sched}, testutil.NopLogger())
	t.Cleanup(func() { _ = h.srv.Shutdown(context.Background()) })
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if h.token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+h.token)
	}
	rec := httptest.NewRecorder()
	h.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func (h *harness) seed(t *testing.T, contentID int64) *jobs.Job {
	t.Helper()
	sub := &store.Submission{
		Batch: &jobs.Batch{ContentID: contentID, Quality: "720p"},
		Jobs: []*jobs.Job{{
			SourceType:  "demo",
			ContentID:   contentID,
			Title:       "Movie",
			URL:         "https://site.test/movie",
			ContentKind: jobs.ContentVideo,
		}},
		Registration: &jobs.SourceRegistration{ContentID: contentID, SourceType: "demo", URL: "https://site.test/movie", Title: "Movie"},
	}
	require.NoError(t, h.store.CreateSubmission(context.Background(), sub))
	return sub.Jobs[0]
}

func TestHealthIsOpen(t *testing.T) {
	h := newHarness(t, true)
	h.token = ""
	rec := h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/jobs", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResponseHeaders(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get(echo.HeaderCacheControl))
	assert.Equal(t, "DENY", rec.Header().Get(echo.HeaderXFrameOptions))
	assert.Equal(t, "nosniff", rec.Header().Get(echo.HeaderXContentTypeOptions))

	rec = h.do(http.MethodGet, "/health", "")
	assert.Empty(t, rec.Header().Get(echo.HeaderCacheControl))
	assert.Equal(t, "no-referrer", rec.Header().Get(echo.HeaderReferrerPolicy))
}

func TestSubmitIntent(t *testing.T) {
	h := newHarness(t, true)

	body := `{"sourceType":"demo","contentId":9,"url":"https://site.test/m","title":"M","kind":"movie","contentKind":"video","quality":"720p"}`
	rec := h.do(http.MethodPost, "/api/v1/intents", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Outcome)
	require.NotNil(t, resp.Batch)
	assert.Equal(t, int64(9), resp.Batch.ContentID)

	h.eng.outcome = queue.OutcomeCancelled
	rec = h.do(http.MethodPost, "/api/v1/intents", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cancelled"`)
}

func TestSubmitInvalidIntent(t *testing.T) {
	h := newHarness(t, false)
	rec := h.do(http.MethodPost, "/api/v1/intents", `{"contentId":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/intents", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsEndpoints(t *testing.T) {
	h := newHarness(t, false)
	a := h.seed(t, 1)
	h.seed(t, 2)

	rec := h.do(http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = h.do(http.MethodGet, "/api/v1/jobs?contentId=1&status=candidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	rec = h.do(http.MethodGet, "/api/v1/jobs?status=succeeded", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/v1/jobs?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", a.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"files":[]`)

	rec = h.do(http.MethodGet, "/api/v1/jobs/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/jobs/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelPauseResume(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(http.MethodPost, "/api/v1/jobs/cancel", `{"jobIds":[3,4]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{3, 4}, h.eng.cancelled)

	rec = h.do(http.MethodPost, "/api/v1/jobs/cancel", `{"jobIds":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/v1/jobs/5/pause", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{5}, h.eng.paused)

	h.eng.err = fmt.Errorf("%w: job 5 is candidate", engine.ErrInvalidState)
	rec = h.do(http.MethodPost, "/api/v1/jobs/5/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	h.eng.err = engine.ErrNotReady
	rec = h.do(http.MethodPost, "/api/v1/jobs/5/pause", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueAndSource(t *testing.T) {
	h := newHarness(t, false)
	job := h.seed(t, 7)
	h.eng.snapshot = queue.Snapshot{
		Entries: []queue.EntrySnapshot{{ContentID: 7, JobIDs: []int64{job.ID}}},
		Active:  []int64{},
	}

	rec := h.do(http.MethodGet, "/api/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap queue.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, h.eng.snapshot, snap)

	rec = h.do(http.MethodGet, "/api/v1/sources/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var src SourceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &src))
	assert.Equal(t, "https://site.test/movie", src.Registration.URL)
	assert.Len(t, src.Batches, 1)
	assert.Len(t, src.Jobs, 1)

	rec = h.do(http.MethodGet, "/api/v1/sources/8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusAndTasks(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"requiresAuth":true`)

	rec = h.do(http.MethodGet, "/api/v1/scheduler/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reconcile-transfers")

	rec = h.do(http.MethodPost, "/api/v1/scheduler/tasks/nope/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
