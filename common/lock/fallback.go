package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Fallback prefers the primary coordinator and switches to the secondary while the
// primary is erroring. Release goes to whichever backend granted the lock.
type Fallback struct {
	primary   Coordinator
	secondary Coordinator
	log       zerolog.Logger

	mu   sync.Mutex
	held map[string]Coordinator
}

func NewFallback(primary, secondary Coordinator, log zerolog.Logger) *Fallback {
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		log:       log,
		held:      make(map[string]Coordinator),
	}
}

func (f *Fallback) TryAcquire(ctx context.Context, scheduleID string, ttl time.Duration) (bool, error) {
	owner := f.primary
	ok, err := f.primary.TryAcquire(ctx, scheduleID, ttl)
	if err != nil {
		f.log.Warn().Err(err).Str("schedule_id", scheduleID).Msg("primary lock unavailable, using store lock")
		owner = f.secondary
		ok, err = f.secondary.TryAcquire(ctx, scheduleID, ttl)
	}
	if err != nil || !ok {
		return false, err
	}

	f.mu.Lock()
	f.held[scheduleID] = owner
	f.mu.Unlock()
	return true, nil
}

func (f *Fallback) Release(ctx context.Context, scheduleID string) error {
	f.mu.Lock()
	owner, ok := f.held[scheduleID]
	delete(f.held, scheduleID)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return owner.Release(ctx, scheduleID)
}
