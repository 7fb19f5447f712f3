package domain

import "time"

// Urgency is derived from how soon a donation's pickup window closes.
type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

const (
	HighUrgencyWithin   = 4 * time.Hour
	MediumUrgencyWithin = 12 * time.Hour
)

// ClassifyUrgency buckets the time remaining until windowEnd. Boundaries fall
// into the more urgent bucket and windows already closed are high.
func ClassifyUrgency(windowEnd, now time.Time) Urgency {
	remaining := windowEnd.Sub(now)
	switch {
	case remaining <= HighUrgencyWithin:
		return UrgencyHigh
	case remaining <= MediumUrgencyWithin:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Rank orders urgencies so that higher urgency sorts first.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 0
	case UrgencyMedium:
		return 1
	default:
		return 2
	}
}

// DefaultPriority is the priority a ticket receives when none is given.
func DefaultPriority(u Urgency) Priority {
	if u == UrgencyHigh {
		return PriorityUrgent
	}
	return PriorityRoutine
}
