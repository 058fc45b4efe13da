package models

import "time"

// RetentionPolicy holds the minimum time each event category must be kept.
// It is built once at startup and never mutated.
type RetentionPolicy struct {
	defaultFloor time.Duration
	floors       map[EventCategory]time.Duration
}

// NewRetentionPolicy copies floors so later changes to the map have no effect.
func NewRetentionPolicy(defaultFloor time.Duration, floors map[EventCategory]time.Duration) RetentionPolicy {
	copied := make(map[EventCategory]time.Duration, len(floors))
	for c, d := range floors {
		copied[c] = d
	}
	return RetentionPolicy{defaultFloor: defaultFloor, floors: copied}
}

// Floor returns the retention floor for a category, falling back to the default.
func (p RetentionPolicy) Floor(c EventCategory) time.Duration {
	if d, ok := p.floors[c]; ok {
		return d
	}
	return p.defaultFloor
}

// Cutoff is the instant before which events of the category are no longer mandated.
func (p RetentionPolicy) Cutoff(c EventCategory, now time.Time) time.Time {
	return now.Add(-p.Floor(c))
}

// MustRetain reports whether e is still inside its mandatory retention window.
func (p RetentionPolicy) MustRetain(e *SecurityEvent, now time.Time) bool {
	return !e.Timestamp.Before(p.Cutoff(e.Type.Category(), now))
}
