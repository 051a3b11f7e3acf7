package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sumit189/cronhook/common/database"
	"github.com/Sumit189/cronhook/common/lock"
	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/nextrun"
	"github.com/Sumit189/cronhook/common/queue"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *repository.SQLite {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, repository.EnsureSchema(db))
	return repository.NewSQLite(db)
}

func seed(t *testing.T, store *repository.SQLite, id string, trig models.Trigger, next time.Time) {
	t.Helper()
	s := models.NewSchedule()
	s.ID = id
	s.TenantID = "acme"
	s.UserID = "u1"
	s.Trigger = trig
	s.Target.URL = "https://example.test/" + id
	s.NextRunAt = &next
	require.NoError(t, store.CreateSchedule(context.Background(), *s))
}

type countingDispatcher struct {
	mu    sync.Mutex
	tasks []models.Task
	fail  error
}

func (d *countingDispatcher) Dispatch(_ context.Context, task models.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return &queue.DispatchError{RunID: task.RunID, Err: d.fail}
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// grants every request, leaving exclusion to the store
type grantAll struct{}

func (grantAll) TryAcquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (grantAll) Release(context.Context, string) error                           { return nil }

func newPoller(store DueStore, locks lock.Coordinator, d queue.Dispatcher, policy nextrun.MissedPolicy) *Poller {
	p := NewPoller(store, locks, d, PollerConfig{
		Tick: time.Second, BatchSize: 100, Workers: 4, LockTTL: 30 * time.Second, Missed: policy,
	}, zerolog.Nop())
	return p
}

func every(seconds int64) models.Trigger {
	return models.Trigger{Kind: models.KindInterval, IntervalSeconds: seconds}
}

func racePollers(t *testing.T, store *repository.SQLite, locks func(i int) lock.Coordinator, d queue.Dispatcher) []TickReport {
	t.Helper()
	const n = 6
	reports := make([]TickReport, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := newPoller(store, locks(i), d, nextrun.MissedSkip)
			<-start
			r, err := p.Tick(context.Background(), base.Add(time.Second))
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	close(start)
	wg.Wait()
	return reports
}

func TestRacingPollersEnqueueOnce(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", every(60), base)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := &countingDispatcher{}
	reports := racePollers(t, store, func(i int) lock.Coordinator {
		return lock.NewRedis(client, fmt.Sprintf("poller-%d", i))
	}, d)

	enqueued := 0
	for _, r := range reports {
		enqueued += r.Enqueued
	}
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, 1, d.count())

	runs, err := store.ListRuns(context.Background(), "sch_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].RunAt.Equal(base))
}

func TestStoreRejectsDoubleEnqueueWithoutLock(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", every(60), base)

	d := &countingDispatcher{}
	racePollers(t, store, func(int) lock.Coordinator { return grantAll{} }, d)

	assert.Equal(t, 1, d.count())
	runs, err := store.ListRuns(context.Background(), "sch_1", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestDispatchFailureLeavesScheduleDue(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", every(60), base)
	ctx := context.Background()

	d := &countingDispatcher{fail: errors.New("broker unreachable")}
	p := newPoller(store, grantAll{}, d, nextrun.MissedSkip)

	report, err := p.Tick(ctx, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, TickReport{Due: 1, Failed: 1}, report)

	s, err := store.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.True(t, s.NextRunAt.Equal(base))
	runs, err := store.ListRuns(ctx, "sch_1", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	d.fail = nil
	report, err = p.Tick(ctx, base.Add(6*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)

	runs, err = store.ListRuns(ctx, "sch_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].RunAt.Equal(base))
	s, err = store.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.True(t, s.NextRunAt.Equal(base.Add(time.Minute)))
}

func TestNextRunAdvancesMonotonically(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", models.Trigger{Kind: models.KindCron, CronExpression: "*/15 * * * *"}, base)
	ctx := context.Background()
	d := &countingDispatcher{}
	p := newPoller(store, grantAll{}, d, nextrun.MissedSkip)

	prev := base
	for i := 0; i < 6; i++ {
		_, err := p.Tick(ctx, prev)
		require.NoError(t, err)
		s, err := store.GetSchedule(ctx, "sch_1")
		require.NoError(t, err)
		require.NotNil(t, s.NextRunAt)
		assert.True(t, s.NextRunAt.After(prev))
		assert.True(t, s.NextRunAt.Equal(prev.Add(15*time.Minute)))
		assert.True(t, s.LastRunAt.Equal(prev))
		prev = *s.NextRunAt
	}

	require.Equal(t, 6, d.count())
	for i, task := range d.tasks {
		assert.True(t, task.RunAt.Equal(base.Add(time.Duration(i)*15*time.Minute)))
	}
}

func TestMissedOccurrencesSkipToLatest(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", every(300), base)
	ctx := context.Background()
	d := &countingDispatcher{}
	p := newPoller(store, grantAll{}, d, nextrun.MissedSkip)

	_, err := p.Tick(ctx, base.Add(62*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, d.count())

	s, err := store.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.True(t, s.NextRunAt.Equal(base.Add(65*time.Minute)))

	report, err := p.Tick(ctx, base.Add(63*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)
}

func TestMissedOccurrencesCatchUp(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", every(300), base)
	ctx := context.Background()
	d := &countingDispatcher{}
	p := newPoller(store, grantAll{}, d, nextrun.MissedCatchUp)

	now := base.Add(16 * time.Minute)
	for i := 0; i < 5; i++ {
		_, err := p.Tick(ctx, now)
		require.NoError(t, err)
	}
	// base, +5, +10, +15
	assert.Equal(t, 4, d.count())
}

func TestOneOffFiresOnce(t *testing.T) {
	store := newStore(t)
	at := base
	seed(t, store, "sch_1", models.Trigger{Kind: models.KindOneOff, RunOnceAt: &at}, base)
	ctx := context.Background()
	d := &countingDispatcher{}
	p := newPoller(store, grantAll{}, d, nextrun.MissedSkip)

	report, err := p.Tick(ctx, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Enqueued)

	for i := 0; i < 3; i++ {
		report, err = p.Tick(ctx, base.Add(time.Duration(i+2)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, report.Due)
	}
	assert.Equal(t, 1, d.count())

	s, err := store.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleCompleted, s.Status)
	assert.Nil(t, s.NextRunAt)
}

func TestPausedScheduleIsNotPolled(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", every(60), base)
	ctx := context.Background()
	require.NoError(t, store.SetStatus(ctx, "sch_1", models.SchedulePaused, nil))

	d := &countingDispatcher{}
	report, err := newPoller(store, grantAll{}, d, nextrun.MissedSkip).Tick(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Due)
	assert.Zero(t, d.count())
}

func TestContendedLockSkips(t *testing.T) {
	store := newStore(t)
	seed(t, store, "sch_1", every(60), base)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	held := lock.NewRedis(client, "other")
	ok, err := held.TryAcquire(ctx, "sch_1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	d := &countingDispatcher{}
	report, err := newPoller(store, lock.NewRedis(client, "me"), d, nextrun.MissedSkip).Tick(ctx, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, TickReport{Due: 1, Contended: 1}, report)
	assert.Zero(t, d.count())
}

func TestUnparseableTriggerIsSkipped(t *testing.T) {
	store := newStore(t)
	seed(t, store, "broken", models.Trigger{Kind: models.KindCron, CronExpression: "not a cron"}, base)
	seed(t, store, "ok", every(60), base)

	d := &countingDispatcher{}
	report, err := newPoller(store, grantAll{}, d, nextrun.MissedSkip).Tick(context.Background(), base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, TickReport{Due: 2, Enqueued: 1, Skipped: 1}, report)
	assert.Equal(t, 1, d.count())
}
