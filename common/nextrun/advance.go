package nextrun

import (
	"fmt"
	"strings"
	"time"
)

// MissedPolicy decides what happens when a schedule is due for more than one occurrence.
type MissedPolicy int

const (
	// MissedSkip fires the due occurrence once and moves past every missed one.
	MissedSkip MissedPolicy = iota
	// MissedCatchUp advances exactly one occurrence, so each missed one fires on later ticks.
	MissedCatchUp
)

func ParseMissedPolicy(s string) (MissedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return MissedSkip, nil
	case "catchup", "catch-up", "catch_up":
		return MissedCatchUp, nil
	}
	return MissedSkip, fmt.Errorf("unknown missed run policy %q", s)
}

func (p MissedPolicy) String() string {
	if p == MissedCatchUp {
		return "catchup"
	}
	return "skip"
}

// Advance computes the next_run_at that replaces `current` once the occurrence at
// `current` has been enqueued. The result is always after `current`; nil means the
// schedule has no further occurrences.
func Advance(spec Spec, current, now time.Time, policy MissedPolicy) *time.Time {
	next, ok := spec.Next(current)
	if !ok {
		return nil
	}
	if policy == MissedCatchUp || next.After(now) {
		return &next
	}

	switch s := spec.(type) {
	case Interval:
		// stay on the original phase: current + k*every, smallest k landing after now
		steps := now.Sub(current)/s.Every + 1
		aligned := current.Add(steps * s.Every).UTC()
		return &aligned
	default:
		latest, ok := spec.Next(now)
		if !ok {
			return nil
		}
		return &latest
	}
}
