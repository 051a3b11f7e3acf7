// Package lock provides per-schedule mutual exclusion between pollers.
//
// A lock is advisory and TTL-bounded: a crashed holder blocks a schedule for at
// most the TTL. Correctness across expiry is kept by the conditional
// next_run_at update in the store, not by the lock.
package lock

import (
	"context"
	"time"
)

type Coordinator interface {
	// TryAcquire never blocks waiting for the lock. A false result with nil error
	// means another owner holds it.
	TryAcquire(ctx context.Context, scheduleID string, ttl time.Duration) (bool, error)
	// Release is a no-op when the caller no longer owns the lock.
	Release(ctx context.Context, scheduleID string) error
}

// RowLocker is the store's compare-and-set lock column.
type RowLocker interface {
	TryLockSchedule(ctx context.Context, id, owner string, until, now time.Time) (bool, error)
	UnlockSchedule(ctx context.Context, id, owner string) error
}
