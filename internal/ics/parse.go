package ics

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	ical "github.com/arran4/golang-ical"
	lru "github.com/hashicorp/golang-lru/v2"

	appLog "icalfeed/internal/log"
)

// RawStamp is a feed timestamp exactly as declared: the literal value
// plus its explicit zone identifier, if any. Interpretation (date-only
// detection, naive-zone attachment, conversion) happens later in the
// normalizer, never here.
type RawStamp struct {
	// Value is the property value, e.g. "20230101T120000Z",
	// "20230615", or a comma-joined collection for EXDATE.
	Value string
	// TZID is the explicit zone parameter, empty when absent.
	TZID string
}

// IsZero reports whether the stamp carries no value.
func (r RawStamp) IsZero() bool { return r.Value == "" }

// RawEvent is the feed's declaration of one event, possibly recurring,
// before any expansion. Immutable after parse; lives for one refresh
// cycle.
type RawEvent struct {
	Source Source

	UID     string
	Summary string

	Description string
	Location    string

	Start RawStamp
	// End is zero when the feed omitted DTEND; it then defaults to
	// Start downstream.
	End RawStamp

	// RRule is the raw recurrence rule string, empty for single events.
	RRule string

	// ExDates are the declared exception stamps, one entry per instant
	// (collections are flattened here so downstream handling is uniform).
	ExDates []RawStamp
}

// Recurring reports whether the event declares a recurrence rule.
func (e RawEvent) Recurring() bool { return e.RRule != "" }

// Decoder turns feed bytes into RawEvents. It memoizes parses by body
// hash so an unchanged feed (ETag hit, cached fallback) is not
// re-decoded every refresh cycle.
type Decoder struct {
	memo *lru.Cache[[sha256.Size]byte, []RawEvent]
}

// NewDecoder creates a Decoder memoizing up to size parsed bodies.
// size <= 0 disables the memo.
func NewDecoder(size int) *Decoder {
	d := &Decoder{}
	if size > 0 {
		cache, err := lru.New[[sha256.Size]byte, []RawEvent](size)
		if err == nil {
			d.memo = cache
		}
	}
	return d
}

// Decode parses one feed body into RawEvents.
//
// Stray NUL bytes are stripped before parsing (some producers emit
// them and they break the underlying parser). A body that cannot be
// parsed as calendar data at all yields ErrMalformedFeed; individual
// unreadable VEVENTs are logged and skipped so one bad event cannot
// take out the rest of the feed.
func (d *Decoder) Decode(src Source, body []byte) ([]RawEvent, error) {
	body = bytes.ReplaceAll(body, []byte{0}, nil)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFeed)
	}

	key := sha256.Sum256(body)
	if d.memo != nil {
		if cached, ok := d.memo.Get(key); ok {
			appLog.Debug("feed decode memo hit", "id", src.ID, "event_count", len(cached))
			return cached, nil
		}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}

	events := make([]RawEvent, 0, len(cal.Events()))
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			appLog.Warn("skipping unreadable event", "id", src.ID, "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	if d.memo != nil {
		d.memo.Add(key, events)
	}

	appLog.Info("feed decoded", "id", src.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent) (RawEvent, error) {
	var out RawEvent
	out.Source = src

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	start := stampFromProp(ve.GetProperty(ical.ComponentPropertyDtStart))
	if start.IsZero() {
		return out, errors.New("missing DTSTART")
	}
	out.Start = start
	out.End = stampFromProp(ve.GetProperty(ical.ComponentPropertyDtEnd))

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RRule = strings.TrimSpace(p.Value)
	}

	// EXDATE may appear multiple times and each property may hold a
	// comma-joined collection; flatten both shapes into one list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		tzid := tzidParam(p)
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out.ExDates = append(out.ExDates, RawStamp{Value: part, TZID: tzid})
		}
	}

	return out, nil
}

func stampFromProp(p *ical.IANAProperty) RawStamp {
	if p == nil || p.Value == "" {
		return RawStamp{}
	}
	return RawStamp{Value: p.Value, TZID: tzidParam(p)}
}

func tzidParam(p *ical.IANAProperty) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		return tzs[0]
	}
	return ""
}
