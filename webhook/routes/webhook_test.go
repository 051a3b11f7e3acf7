package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumit189/cronhook/common/database"
	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/Sumit189/cronhook/common/retry"
	"github.com/Sumit189/cronhook/webhook/controllers"
)

type countingDispatcher struct{ tasks []models.Task }

func (d *countingDispatcher) Dispatch(_ context.Context, task models.Task) error {
	d.tasks = append(d.tasks, task)
	return nil
}

func newCallbackServer(t *testing.T) (*httptest.Server, *repository.SQLite, *countingDispatcher) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "callback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.EnsureSchema(db))
	store := repository.NewSQLite(db)

	ctx := context.Background()
	runAt := time.Now().UTC().Truncate(time.Second)
	s := models.NewSchedule()
	s.ID = "sch_1"
	s.TenantID = "acme"
	s.UserID = "u1"
	s.Trigger = models.Trigger{Kind: models.KindInterval, IntervalSeconds: 60}
	s.Target.URL = "https://example.test/hook"
	s.NextRunAt = &runAt
	require.NoError(t, store.CreateSchedule(ctx, *s))

	next := runAt.Add(time.Minute)
	run := models.Run{
		ID: "run_1", ScheduleID: "sch_1", TenantID: "acme", RunAt: runAt, Attempt: 1,
		Status: models.RunQueued, Target: s.Target, Retry: s.Retry,
		DispatchAt: runAt, CreatedAt: runAt, UpdatedAt: runAt,
	}
	require.NoError(t, store.CommitOccurrence(ctx,
		repository.Occurrence{ScheduleID: "sch_1", Expected: runAt, NextRunAt: &next, Run: run},
		func(context.Context, models.Run) error { return nil }))

	dispatcher := &countingDispatcher{}
	router := mux.NewRouter()
	WebhookRoutes(router, controllers.NewOutcomeController(retry.NewMachine(store, dispatcher, zerolog.Nop()), store, zerolog.Nop()))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store, dispatcher
}

func post(t *testing.T, srv *httptest.Server, path string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestClaimThenReportFailureSchedulesRetry(t *testing.T) {
	srv, store, dispatcher := newCallbackServer(t)

	code, body := post(t, srv, "/runs/run_1/claim", map[string]string{"worker_id": "ext-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["claimed"])

	code, _ = post(t, srv, "/runs/run_1/claim", map[string]string{"worker_id": "ext-2"})
	assert.Equal(t, http.StatusConflict, code)

	outcome := models.Outcome{Status: models.RunFailed, DurationMs: 120, ErrorMessage: "HTTP 503"}
	code, body = post(t, srv, "/runs/run_1/outcome", outcome)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, "failed", body["status"])
	assert.NotEmpty(t, body["retry_run_id"])
	require.Len(t, dispatcher.tasks, 1)
	assert.Equal(t, 2, dispatcher.tasks[0].Attempt)

	// a repeated report changes nothing
	code, body = post(t, srv, "/runs/run_1/outcome", outcome)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["applied"])
	assert.Len(t, dispatcher.tasks, 1)

	got, err := store.GetRun(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "ext-1", got.WorkerID)
	assert.Equal(t, "HTTP 503", got.ErrorMessage)
}

func TestOutcomeRejections(t *testing.T) {
	srv, _, _ := newCallbackServer(t)

	code, _ := post(t, srv, "/runs/run_1/outcome", models.Outcome{Status: models.RunQueued})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, srv, "/runs/run_1/outcome", models.Outcome{RunID: "run_9", Status: models.RunSuccess})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, srv, "/runs/missing/outcome", models.Outcome{Status: models.RunSuccess})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = post(t, srv, "/runs/run_1/claim", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, srv, "/runs/missing/claim", map[string]string{"worker_id": "ext-1"})
	assert.Equal(t, http.StatusNotFound, code)
}
