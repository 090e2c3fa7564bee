package ics

import (
	"sort"
	"time"

	"icalfeed/internal/model"
)

// BuildSnapshot orders accepted occurrences ascending by start instant
// and packages them as one immutable snapshot. The sort is stable:
// occurrences sharing a start keep their feed order, so same-instant
// events do not reorder arbitrarily across refresh cycles.
func BuildSnapshot(feedID string, win model.Window, accepted []model.Occurrence, builtAt time.Time) *model.Snapshot {
	occs := make([]model.Occurrence, len(accepted))
	copy(occs, accepted)

	sort.SliceStable(occs, func(i, j int) bool {
		return occs[i].Start.Before(occs[j].Start)
	})

	return &model.Snapshot{
		FeedID:      feedID,
		Window:      win,
		BuiltAt:     builtAt,
		Occurrences: occs,
	}
}
