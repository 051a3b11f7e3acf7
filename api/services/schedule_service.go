package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/nextrun"
	"github.com/Sumit189/cronhook/common/repository"
	"github.com/Sumit189/cronhook/common/retry"
	"github.com/Sumit189/cronhook/common/utils"
)

var ErrConflict = errors.New("schedule cannot make that transition")

var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// ScheduleRequest is the body of create and edit calls. Zero retry fields take
// the configured defaults.
type ScheduleRequest struct {
	Name string `json:"name"`
	models.Trigger
	Target models.Target       `json:"target"`
	Retry  *models.RetryPolicy `json:"retry,omitempty"`
}

type ScheduleService struct {
	store    repository.Store
	sealer   *utils.Sealer
	defaults models.RetryPolicy
	now      func() time.Time
}

func NewScheduleService(store repository.Store, sealer *utils.Sealer, defaults models.RetryPolicy) *ScheduleService {
	return &ScheduleService{
		store:    store,
		sealer:   sealer,
		defaults: defaults,
		// the ledger keeps millisecond precision
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (s *ScheduleService) retryPolicy(p *models.RetryPolicy) (models.RetryPolicy, error) {
	policy := s.defaults
	if p != nil {
		if p.MaxAttempts != 0 {
			policy.MaxAttempts = p.MaxAttempts
		}
		if p.BackoffSeconds != 0 {
			policy.BackoffSeconds = p.BackoffSeconds
		}
		if p.BackoffType != "" {
			policy.BackoffType = p.BackoffType
		}
	}
	return policy, retry.ValidatePolicy(policy)
}

func (s *ScheduleService) target(t models.Target) (models.Target, error) {
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return t, models.Invalid("target.url", "must be an absolute http(s) URL")
	}
	t.Method = strings.ToUpper(t.Method)
	if t.Method == "" {
		t.Method = "POST"
	}
	if !allowedMethods[t.Method] {
		return t, models.Invalid("target.method", "unsupported method %q", t.Method)
	}
	sealed, err := s.sealer.Seal(t.Body)
	if err != nil {
		return t, err
	}
	t.Body = sealed
	return t, nil
}

func normalizeTrigger(t models.Trigger) models.Trigger {
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if t.RunOnceAt != nil {
		at := t.RunOnceAt.UTC()
		t.RunOnceAt = &at
	}
	return t
}

// Create validates the definition and stores it active with next_run_at computed.
func (s *ScheduleService) Create(ctx context.Context, tenantID, userID string, req ScheduleRequest) (models.Schedule, error) {
	if tenantID == "" {
		return models.Schedule{}, models.Invalid("tenant_id", "required")
	}
	trigger := normalizeTrigger(req.Trigger)
	spec, err := nextrun.Parse(trigger)
	if err != nil {
		return models.Schedule{}, err
	}
	now := s.now()
	first, err := nextrun.FirstRun(spec, now)
	if err != nil {
		return models.Schedule{}, err
	}
	policy, err := s.retryPolicy(req.Retry)
	if err != nil {
		return models.Schedule{}, err
	}
	target, err := s.target(req.Target)
	if err != nil {
		return models.Schedule{}, err
	}

	schedule := models.NewSchedule()
	schedule.ID = models.NewScheduleID()
	schedule.TenantID = tenantID
	schedule.UserID = userID
	schedule.Name = req.Name
	schedule.Trigger = trigger
	schedule.Target = target
	schedule.Retry = policy
	schedule.NextRunAt = &first
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	if err := s.store.CreateSchedule(ctx, *schedule); err != nil {
		return models.Schedule{}, err
	}
	return *schedule, nil
}

// Get hides schedules of other tenants and deleted ones.
func (s *ScheduleService) Get(ctx context.Context, tenantID, id string) (models.Schedule, error) {
	schedule, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return models.Schedule{}, err
	}
	if schedule.TenantID != tenantID || schedule.Status == models.ScheduleDeleted {
		return models.Schedule{}, repository.ErrNotFound
	}
	return schedule, nil
}

func (s *ScheduleService) List(ctx context.Context, tenantID string, limit int) ([]models.Schedule, error) {
	return s.store.ListSchedules(ctx, tenantID, limit)
}

// Edit replaces the definition. The pending next_run_at is kept, so a new trigger
// applies from the occurrence after it. A one-off trigger instead moves next_run_at
// to its instant, so it fires exactly once.
func (s *ScheduleService) Edit(ctx context.Context, tenantID, id string, req ScheduleRequest) (models.Schedule, error) {
	schedule, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return models.Schedule{}, err
	}
	if schedule.Status == models.ScheduleCompleted {
		return models.Schedule{}, ErrConflict
	}
	trigger := normalizeTrigger(req.Trigger)
	spec, err := nextrun.Parse(trigger)
	if err != nil {
		return models.Schedule{}, err
	}
	var oneOffAt *time.Time
	if trigger.Kind == models.KindOneOff {
		at, err := nextrun.FirstRun(spec, s.now())
		if err != nil {
			return models.Schedule{}, err
		}
		oneOffAt = &at
	}
	policy, err := s.retryPolicy(req.Retry)
	if err != nil {
		return models.Schedule{}, err
	}
	target, err := s.target(req.Target)
	if err != nil {
		return models.Schedule{}, err
	}

	schedule.Name = req.Name
	schedule.Trigger = trigger
	schedule.Target = target
	schedule.Retry = policy
	if err := s.store.UpdateDefinition(ctx, schedule); err != nil {
		return models.Schedule{}, err
	}
	// paused schedules get their instant on resume
	if oneOffAt != nil && schedule.Status == models.ScheduleActive {
		if err := s.store.SetStatus(ctx, id, models.ScheduleActive, oneOffAt); err != nil {
			return models.Schedule{}, err
		}
	}
	return s.Get(ctx, tenantID, id)
}

func (s *ScheduleService) Pause(ctx context.Context, tenantID, id string) (models.Schedule, error) {
	schedule, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return models.Schedule{}, err
	}
	switch schedule.Status {
	case models.SchedulePaused:
		return schedule, nil
	case models.ScheduleActive:
	default:
		return models.Schedule{}, ErrConflict
	}
	if err := s.store.SetStatus(ctx, id, models.SchedulePaused, nil); err != nil {
		return models.Schedule{}, err
	}
	return s.Get(ctx, tenantID, id)
}

// Resume restarts the cadence from now; occurrences missed while paused are not replayed.
func (s *ScheduleService) Resume(ctx context.Context, tenantID, id string) (models.Schedule, error) {
	schedule, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return models.Schedule{}, err
	}
	switch schedule.Status {
	case models.ScheduleActive:
		return schedule, nil
	case models.SchedulePaused:
	default:
		return models.Schedule{}, ErrConflict
	}
	spec, err := nextrun.Parse(schedule.Trigger)
	if err != nil {
		return models.Schedule{}, err
	}
	first, err := nextrun.FirstRun(spec, s.now())
	if err != nil {
		return models.Schedule{}, err
	}
	if err := s.store.SetStatus(ctx, id, models.ScheduleActive, &first); err != nil {
		return models.Schedule{}, err
	}
	return s.Get(ctx, tenantID, id)
}

// Delete is soft: the row and its runs stay for history.
func (s *ScheduleService) Delete(ctx context.Context, tenantID, id string) error {
	if _, err := s.Get(ctx, tenantID, id); err != nil {
		return err
	}
	return s.store.SetStatus(ctx, id, models.ScheduleDeleted, nil)
}

func (s *ScheduleService) Runs(ctx context.Context, tenantID, id string, limit int) ([]models.Run, error) {
	schedule, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if schedule.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	return s.store.ListRuns(ctx, id, limit)
}

func (s *ScheduleService) DeadLetters(ctx context.Context, tenantID string, limit int) ([]models.Run, error) {
	return s.store.ListRunsByStatus(ctx, tenantID, models.RunDeadLetter, limit)
}
