package retry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sumit189/cronhook/common/database"
	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	base := 60 * time.Second
	cases := []struct {
		kind models.BackoffType
		want []time.Duration
	}{
		{models.BackoffExponential, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}},
		{models.BackoffLinear, []time.Duration{60 * time.Second, 120 * time.Second, 180 * time.Second}},
		{models.BackoffFixed, []time.Duration{60 * time.Second, 60 * time.Second, 60 * time.Second}},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			for i, want := range tc.want {
				assert.Equal(t, want, Delay(tc.kind, base, i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestDelayIsCapped(t *testing.T) {
	assert.Equal(t, MaxDelay, Delay(models.BackoffExponential, time.Hour, 40))
	assert.Equal(t, MaxDelay, Delay(models.BackoffLinear, time.Hour, 1000))
	assert.Equal(t, MaxDelay, Delay(models.BackoffFixed, 48*time.Hour, 1))

	for _, kind := range []models.BackoffType{models.BackoffFixed, models.BackoffLinear, models.BackoffExponential} {
		assert.Equal(t, MaxDelay, Delay(kind, -time.Second, 2), "negative base for %s", kind)
		assert.Equal(t, MaxDelay, Delay(kind, BaseDelay(10_000_000_000), 3), "huge base for %s", kind)
	}
	assert.Equal(t, 90*time.Second, BaseDelay(90))
}

func TestValidatePolicy(t *testing.T) {
	assert.NoError(t, ValidatePolicy(models.RetryPolicy{MaxAttempts: 1, BackoffSeconds: 0, BackoffType: models.BackoffFixed}))

	err := ValidatePolicy(models.RetryPolicy{MaxAttempts: 0, BackoffSeconds: 60, BackoffType: models.BackoffFixed})
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "max_attempts", ve.Field)

	err = ValidatePolicy(models.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 10_000_000_000, BackoffType: models.BackoffFixed})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "backoff_seconds", ve.Field)
	assert.NoError(t, ValidatePolicy(models.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 86400, BackoffType: models.BackoffFixed}))

	err = ValidatePolicy(models.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 60, BackoffType: "quadratic"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "backoff_type", ve.Field)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []models.Task
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task models.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

var occurrence = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, policy models.RetryPolicy) (*Machine, *repository.SQLite, *recordingDispatcher) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.EnsureSchema(db))
	store := repository.NewSQLite(db)
	ctx := context.Background()

	s := models.NewSchedule()
	s.ID = "sch_1"
	s.TenantID = "acme"
	s.UserID = "u1"
	s.Trigger = models.Trigger{Kind: models.KindInterval, IntervalSeconds: 3600}
	s.Target.URL = "https://example.test/hook"
	s.Retry = policy
	s.NextRunAt = &occurrence
	require.NoError(t, store.CreateSchedule(ctx, *s))

	next := occurrence.Add(time.Hour)
	run := models.Run{
		ID: "run_1", ScheduleID: "sch_1", TenantID: "acme", RunAt: occurrence, Attempt: 1,
		Status: models.RunQueued, Target: s.Target, Retry: policy,
		DispatchAt: occurrence, CreatedAt: occurrence, UpdatedAt: occurrence,
	}
	require.NoError(t, store.CommitOccurrence(ctx, repository.Occurrence{
		ScheduleID: "sch_1", Expected: occurrence, NextRunAt: &next, Run: run,
	}, func(context.Context, models.Run) error { return nil }))

	dispatcher := &recordingDispatcher{}
	m := NewMachine(store, dispatcher, zerolog.Nop())
	now := occurrence.Add(time.Second)
	m.now = func() time.Time { return now }
	seq := 1
	m.newID = func() string {
		seq++
		return fmt.Sprintf("run_%d", seq)
	}
	return m, store, dispatcher
}

func TestRetryExhaustion(t *testing.T) {
	policy := models.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 60, BackoffType: models.BackoffFixed}
	m, store, dispatcher := setup(t, policy)
	ctx := context.Background()

	runID := "run_1"
	for attempt := 1; attempt <= 3; attempt++ {
		ok, err := m.MarkRunning(ctx, runID, "w1")
		require.NoError(t, err)
		require.True(t, ok)

		res, err := m.Report(ctx, models.Outcome{RunID: runID, Status: models.RunFailed, ErrorMessage: "HTTP 503"})
		require.NoError(t, err)
		require.False(t, res.Noop)
		if attempt < 3 {
			require.NotNil(t, res.Retry)
			assert.Equal(t, attempt+1, res.Retry.Attempt)
			assert.True(t, res.Retry.RunAt.Equal(occurrence))
			runID = res.Retry.ID
		} else {
			assert.Nil(t, res.Retry)
			assert.Equal(t, models.RunDeadLetter, res.Run.Status)
		}
	}

	runs, err := store.ListRuns(ctx, "sch_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, models.RunDeadLetter, runs[0].Status)
	assert.Equal(t, 3, runs[0].Attempt)
	assert.Equal(t, models.RunFailed, runs[1].Status)
	assert.Equal(t, models.RunFailed, runs[2].Status)

	require.Len(t, dispatcher.tasks, 2)
	for _, task := range dispatcher.tasks {
		assert.Equal(t, occurrence.Add(time.Second+time.Minute), task.NotBefore)
	}

	// a late duplicate for the dead-lettered attempt changes nothing
	res, err := m.Report(ctx, models.Outcome{RunID: runID, Status: models.RunFailed})
	require.NoError(t, err)
	assert.True(t, res.Noop)
	runs, err = store.ListRuns(ctx, "sch_1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	s, err := store.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.True(t, s.NextRunAt.Equal(occurrence.Add(time.Hour)))
}

func TestDuplicateSuccessIsNoop(t *testing.T) {
	m, store, dispatcher := setup(t, models.RetryPolicy{MaxAttempts: 3, BackoffSeconds: 60, BackoffType: models.BackoffExponential})
	ctx := context.Background()

	outcome := models.Outcome{RunID: "run_1", Status: models.RunSuccess, WorkerID: "w1", DurationMs: 42, ResponseSummary: "HTTP 200"}
	res, err := m.Report(ctx, outcome)
	require.NoError(t, err)
	assert.False(t, res.Noop)

	res, err = m.Report(ctx, outcome)
	require.NoError(t, err)
	assert.True(t, res.Noop)

	run, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, run.Status)
	assert.Equal(t, int64(42), run.DurationMs)
	assert.Equal(t, "w1", run.WorkerID)
	assert.Empty(t, dispatcher.tasks)

	runs, err := store.ListRuns(ctx, "sch_1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestTimedOutRetriesWithBackoff(t *testing.T) {
	m, _, dispatcher := setup(t, models.RetryPolicy{MaxAttempts: 2, BackoffSeconds: 30, BackoffType: models.BackoffExponential})

	res, err := m.Report(context.Background(), models.Outcome{RunID: "run_1", Status: models.RunTimedOut})
	require.NoError(t, err)
	require.NotNil(t, res.Retry)
	assert.Equal(t, models.RunTimedOut, res.Run.Status)
	require.Len(t, dispatcher.tasks, 1)
	assert.Equal(t, 2, dispatcher.tasks[0].Attempt)
	assert.Equal(t, occurrence.Add(31*time.Second), dispatcher.tasks[0].NotBefore)
}

func TestReportRejectsOpenStatus(t *testing.T) {
	m, _, _ := setup(t, models.RetryPolicy{MaxAttempts: 1, BackoffSeconds: 60, BackoffType: models.BackoffFixed})
	_, err := m.Report(context.Background(), models.Outcome{RunID: "run_1", Status: models.RunRunning})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = m.Report(context.Background(), models.Outcome{RunID: "missing", Status: models.RunSuccess})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
