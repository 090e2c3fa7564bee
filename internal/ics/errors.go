package ics

import "errors"

var (
	// ErrMalformedFeed means the byte stream is not parseable as
	// calendar data at all. This is the only per-feed anomaly that
	// fails a refresh; everything smaller is contained per event.
	ErrMalformedFeed = errors.New("malformed feed")

	// ErrInvalidTimestamp means a raw value could not be parsed as any
	// date/time shape. Callers skip the offending event only.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)
