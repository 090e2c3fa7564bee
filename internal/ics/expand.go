package ics

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "icalfeed/internal/log"
	"icalfeed/internal/model"
)

const defaultMaxInstancesPerEvent = 5000

// Materializer expands RawEvents into concrete occurrence candidates
// intersecting a window. Failures are isolated per event: a feed with
// one malformed recurring event still yields valid occurrences from
// every other event.
type Materializer struct {
	// Zone is the canonical zone candidates are expressed in.
	Zone *time.Location

	// Lookback/Lookahead widen the evaluation margin around the window
	// so long-running or just-started series are not missed; the
	// validator applies the exact cut afterwards.
	Lookback  time.Duration
	Lookahead time.Duration

	// MaxInstances caps expansion per event as a safety bound against
	// runaway rules. Zero means defaultMaxInstancesPerEvent.
	MaxInstances int
}

// MaterializeAll expands every event sequentially (ordering feeds the
// sorter's stable tie-break) and concatenates the candidates.
func (m *Materializer) MaterializeAll(events []RawEvent, win model.Window) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		out = append(out, m.Materialize(ev, win)...)
	}
	return out
}

// Materialize expands one event into zero or more candidates whose span
// intersects the margin-widened window. Any error or panic raised while
// evaluating this event's rule, exceptions, or pairing is caught here,
// logged, and yields zero candidates.
func (m *Materializer) Materialize(ev RawEvent, win model.Window) (cands []model.Occurrence) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("recurrence evaluation panicked, skipping event",
				fmt.Errorf("%v", r),
				"feed", ev.Source.ID, "uid", ev.UID, "summary", ev.Summary)
			cands = nil
		}
	}()

	cands, err := m.materialize(ev, win)
	if err != nil {
		appLog.Warn("skipping event",
			"feed", ev.Source.ID, "uid", ev.UID, "summary", ev.Summary, "reason", err.Error())
		return nil
	}
	return cands
}

func (m *Materializer) materialize(ev RawEvent, win model.Window) ([]model.Occurrence, error) {
	zone := m.Zone
	if zone == nil {
		zone = time.UTC
	}

	start, allDay, err := Normalize(ev.Start, zone)
	if err != nil {
		return nil, err
	}

	end := start
	if !ev.End.IsZero() {
		end, _, err = Normalize(ev.End, zone)
		if err != nil {
			return nil, err
		}
	}

	marginFrom := win.From.Add(-m.Lookback)
	marginTo := win.To.Add(m.Lookahead)

	if !ev.Recurring() {
		// One candidate, kept only when its span touches the margin
		// window; the validator applies the exact cut.
		if end.Before(marginFrom) || start.After(marginTo) {
			return nil, nil
		}
		return []model.Occurrence{occurrenceFrom(ev, start, end, allDay)}, nil
	}

	return m.expandRule(ev, start, end, allDay, marginFrom, marginTo)
}

// expandRule evaluates the event's recurrence rule twice: once anchored
// at the start base and once at the end base, over the same index range,
// so the two instant sequences pair positionally in chronological order.
func (m *Materializer) expandRule(ev RawEvent, start, end time.Time, allDay bool, marginFrom, marginTo time.Time) ([]model.Occurrence, error) {
	opt, err := rrule.StrToROption(ev.RRule)
	if err != nil {
		return nil, fmt.Errorf("bad RRULE %q: %w", ev.RRule, err)
	}

	duration := end.Sub(start)

	exStarts, err := m.normalizeExDates(ev)
	if err != nil {
		return nil, err
	}

	starts, err := ruleInstants(opt, ev.RRule, start, exStarts, marginFrom, marginTo)
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		// Nothing from this series intersects the margin; not an error.
		return nil, nil
	}

	// End sequence: same rule anchored at the end base, margin and
	// exceptions shifted by the event duration so indices line up.
	exEnds := make([]time.Time, len(exStarts))
	for i, ex := range exStarts {
		exEnds[i] = ex.Add(duration)
	}
	ends, err := ruleInstants(opt, ev.RRule, end, exEnds, marginFrom.Add(duration), marginTo.Add(duration))
	if err != nil {
		return nil, err
	}

	// Pair the Nth start with the Nth end. When rule evaluation or
	// exclusion diverged, pair only up to the shorter sequence and
	// drop the remainder rather than fabricating ends.
	n := len(starts)
	if len(ends) < n {
		appLog.Debug("start/end sequences diverged, dropping unpaired tail",
			"feed", ev.Source.ID, "uid", ev.UID, "starts", len(starts), "ends", len(ends))
		n = len(ends)
	}

	limit := m.MaxInstances
	if limit <= 0 {
		limit = defaultMaxInstancesPerEvent
	}
	if n > limit {
		appLog.Warn("recurrence expansion truncated",
			"feed", ev.Source.ID, "uid", ev.UID, "summary", ev.Summary,
			"instances", n, "cap", limit)
		n = limit
	}

	out := make([]model.Occurrence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, occurrenceFrom(ev, starts[i], ends[i], allDay))
	}
	return out, nil
}

// ruleInstants evaluates one rule anchored at base and returns the
// ordered instants inside [from, to], with exceptions removed.
//
// Before evaluation the rule's UNTIL bound is explicitly reconciled to
// the anchor's zone basis: a mismatch between a zone-aware UNTIL and a
// local anchor is the single most common source of wrong expansions,
// so it is handled here rather than left to the evaluator's default.
func ruleInstants(opt *rrule.ROption, rawRule string, base time.Time, exceptions []time.Time, from, to time.Time) ([]time.Time, error) {
	o := *opt
	o.Dtstart = base
	if !o.Until.IsZero() {
		o.Until = reconcileUntil(o.Until, rawRule, base.Location())
	}

	r, err := rrule.NewRRule(o)
	if err != nil {
		return nil, fmt.Errorf("rule rejected: %w", err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exceptions {
		set.ExDate(ex.In(base.Location()))
	}

	return set.Between(from.In(base.Location()), to.In(base.Location()), true), nil
}

// reconcileUntil re-expresses an UNTIL bound on the anchor's zone basis.
// A bound written without the UTC marker is a wall-clock value: its
// clock fields are reinterpreted in the anchor zone. A UTC bound keeps
// its instant and only changes representation.
func reconcileUntil(until time.Time, rawRule string, loc *time.Location) time.Time {
	if untilIsUTC(rawRule) {
		return until.In(loc)
	}
	return time.Date(until.Year(), until.Month(), until.Day(),
		until.Hour(), until.Minute(), until.Second(), until.Nanosecond(), loc)
}

func untilIsUTC(rawRule string) bool {
	upper := strings.ToUpper(rawRule)
	i := strings.Index(upper, "UNTIL=")
	if i < 0 {
		return false
	}
	rest := upper[i+len("UNTIL="):]
	if j := strings.IndexByte(rest, ';'); j >= 0 {
		rest = rest[:j]
	}
	return strings.HasSuffix(strings.TrimSpace(rest), "Z")
}

// normalizeExDates converts the declared exception stamps onto the
// canonical zone basis so exclusion comparison matches generated starts.
func (m *Materializer) normalizeExDates(ev RawEvent) ([]time.Time, error) {
	if len(ev.ExDates) == 0 {
		return nil, nil
	}
	zone := m.Zone
	if zone == nil {
		zone = time.UTC
	}
	out := make([]time.Time, 0, len(ev.ExDates))
	for _, raw := range ev.ExDates {
		t, _, err := Normalize(raw, zone)
		if err != nil {
			return nil, fmt.Errorf("bad EXDATE %q: %w", raw.Value, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func occurrenceFrom(ev RawEvent, start, end time.Time, allDay bool) model.Occurrence {
	return model.Occurrence{
		FeedID:      ev.Source.ID,
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      allDay,
		Start:       start,
		End:         end,
	}
}
