package ics

import (
	"time"

	appLog "icalfeed/internal/log"
	"icalfeed/internal/model"
)

// Validator rejects candidates that violate the occurrence invariants
// or are already concluded relative to the window's lower bound.
// Rejections are filtering decisions, not errors; they are logged at
// debug level so large feeds do not amplify log volume. The inverted
// span case is the exception and logs a warning, because it usually
// means a timezone conversion artifact worth noticing.
type Validator struct {
	// Zone is the calendar basis for date comparisons.
	Zone *time.Location
}

// FilterAll validates candidates in order, keeping input order for the
// accepted ones.
func (v *Validator) FilterAll(cands []model.Occurrence, win model.Window) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(cands))
	for _, c := range cands {
		if occ, ok := v.Validate(c, win); ok {
			out = append(out, occ)
		}
	}
	return out
}

// Validate applies the rejection rules to one candidate. Accepted
// occurrences carry a "Unknown" summary fallback; zero-duration spans
// (end == start) are explicitly accepted.
func (v *Validator) Validate(cand model.Occurrence, win model.Window) (model.Occurrence, bool) {
	zone := v.Zone
	if zone == nil {
		zone = time.UTC
	}

	// Overnight spans can invert under timezone conversion; an
	// end-before-start occurrence is discarded, never published.
	if cand.End.Before(cand.Start) {
		appLog.Warn("skipping occurrence: end is before start",
			"summary", cand.Summary,
			"start", cand.Start.Format(time.RFC3339),
			"end", cand.End.Format(time.RFC3339))
		return model.Occurrence{}, false
	}

	end := cand.End.In(zone)
	from := win.From.In(zone)

	endY, endM, endD := end.Date()
	fromY, fromM, fromD := from.Date()
	endDate := time.Date(endY, endM, endD, 0, 0, 0, 0, zone)
	fromDate := time.Date(fromY, fromM, fromD, 0, 0, 0, 0, zone)

	// Fully concluded before the window opens.
	if endDate.Before(fromDate) {
		appLog.Debug("occurrence already ended", "summary", cand.Summary, "end", end.Format(time.RFC3339))
		return model.Occurrence{}, false
	}

	// An occurrence whose last instant is exactly the start-of-day
	// boundary of the window's first date has concluded, it is not
	// ongoing into the window.
	if endDate.Equal(fromDate) && end.Hour() == 0 && end.Minute() == 0 && end.Second() == 0 {
		appLog.Debug("occurrence ended at midnight of window start", "summary", cand.Summary, "end", end.Format(time.RFC3339))
		return model.Occurrence{}, false
	}

	if cand.Summary == "" {
		cand.Summary = "Unknown"
	}
	return cand, true
}
