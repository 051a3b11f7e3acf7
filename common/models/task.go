package models

import "time"

// Task is the broker message for one attempt.
type Task struct {
	RunID      string    `json:"run_id"`
	ScheduleID string    `json:"schedule_id"`
	TenantID   string    `json:"tenant_id"`
	Attempt    int       `json:"attempt"`
	RunAt      time.Time `json:"run_at"`
	NotBefore  time.Time `json:"not_before"`
	Target     Target    `json:"target"`
}

func TaskFromRun(run Run) Task {
	return Task{
		RunID:      run.ID,
		ScheduleID: run.ScheduleID,
		TenantID:   run.TenantID,
		Attempt:    run.Attempt,
		RunAt:      run.RunAt,
		NotBefore:  run.DispatchAt,
		Target:     run.Target,
	}
}
