package ics

import (
	"fmt"
	"strings"
	"time"
)

const (
	layoutDate        = "20060102"
	layoutDateTime    = "20060102T150405"
	layoutDateTimeUTC = "20060102T150405Z"
)

// Normalize converts one raw feed timestamp into a canonical instant in
// defaultZone and reports whether the originating value was date-only
// ("all-day"). Rules, in order:
//
//  1. A collection-wrapped value (some encoders join values with
//     commas) is reduced to its first element.
//  2. A value with no time component is date-only: it is anchored to
//     midnight of that calendar date in defaultZone and flagged all-day.
//  3. A tz-naive value is interpreted in defaultZone — never UTC, since
//     calendar authors writing naive stamps almost always mean local time.
//  4. The result is always re-expressed in defaultZone, including values
//     carrying an explicit foreign zone or the UTC suffix.
//
// A value that fits no known shape yields ErrInvalidTimestamp; callers
// skip the offending event, not the feed.
func Normalize(raw RawStamp, defaultZone *time.Location) (time.Time, bool, error) {
	if defaultZone == nil {
		defaultZone = time.UTC
	}

	value := raw.Value
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false, fmt.Errorf("%w: empty value", ErrInvalidTimestamp)
	}

	// Date-only shape: no time component at all.
	if !strings.ContainsRune(value, 'T') {
		t, err := time.ParseInLocation(layoutDate, value, defaultZone)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw.Value)
		}
		return t, true, nil
	}

	// UTC-anchored date-time.
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(layoutDateTimeUTC, value)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw.Value)
		}
		return t.In(defaultZone), false, nil
	}

	// Zoned or naive date-time. An explicit TZID names the zone the
	// wall-clock value lives in; without one the value is naive and
	// defaultZone applies.
	loc := defaultZone
	if raw.TZID != "" {
		named, err := time.LoadLocation(raw.TZID)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%w: unknown zone %q in %q", ErrInvalidTimestamp, raw.TZID, raw.Value)
		}
		loc = named
	}

	t, err := time.ParseInLocation(layoutDateTime, value, loc)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw.Value)
	}
	return t.In(defaultZone), false, nil
}
