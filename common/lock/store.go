package lock

import (
	"context"
	"time"
)

// Store locks through the schedule row itself.
type Store struct {
	rows  RowLocker
	owner string
	now   func() time.Time
}

func NewStore(rows RowLocker, owner string) *Store {
	return &Store{rows: rows, owner: owner, now: time.Now}
}

func (s *Store) TryAcquire(ctx context.Context, scheduleID string, ttl time.Duration) (bool, error) {
	now := s.now()
	return s.rows.TryLockSchedule(ctx, scheduleID, s.owner, now.Add(ttl), now)
}

func (s *Store) Release(ctx context.Context, scheduleID string) error {
	return s.rows.UnlockSchedule(ctx, scheduleID, s.owner)
}
