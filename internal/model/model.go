package model

import "time"

// Occurrence is a single concrete instance of an event after recurrence
// expansion and timezone normalization. Start and End are always
// expressed in the configured default zone; AllDay is true when the
// originating DTSTART carried no time-of-day component, in which case
// both bounds are midnight-anchored.
type Occurrence struct {
	FeedID string // subscription source ID
	UID    string // iCalendar UID, may be empty for sloppy feeds

	Summary     string
	Description string
	Location    string

	AllDay bool

	Start time.Time
	End   time.Time
}

// Window is the [From, To) range occurrences are materialized against.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Valid reports whether the window is well formed.
func (w Window) Valid() bool {
	return w.From.Before(w.To)
}

// Snapshot is the immutable, time-ordered result of one full
// materialization pass over a feed. It is replaced wholesale on each
// refresh and never mutated in place, so readers need no locking.
type Snapshot struct {
	FeedID      string
	Window      Window
	BuiltAt     time.Time
	Occurrences []Occurrence
}

// Len returns the number of occurrences in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Occurrences)
}

// At returns the occurrence at zero-based position k in snapshot order,
// or false when k is out of range. Answers "the k-th upcoming event".
func (s *Snapshot) At(k int) (Occurrence, bool) {
	if s == nil || k < 0 || k >= len(s.Occurrences) {
		return Occurrence{}, false
	}
	return s.Occurrences[k], true
}

// Current returns the first occurrence (in sorted order) whose end is
// strictly after now. Because the snapshot already excludes occurrences
// concluded before the window opened, this is simultaneously "the
// occurrence happening now" and "the next one to start".
func (s *Snapshot) Current(now time.Time) (Occurrence, bool) {
	if s == nil {
		return Occurrence{}, false
	}
	for _, occ := range s.Occurrences {
		if occ.End.After(now) {
			return occ, true
		}
	}
	return Occurrence{}, false
}
