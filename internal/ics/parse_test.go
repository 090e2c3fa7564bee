package ics_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"icalfeed/internal/ics"
)

func icsBody(events ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//icalfeed//test//EN\r\n")
	for _, ev := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		for _, line := range strings.Split(strings.TrimSpace(ev), "\n") {
			b.WriteString(strings.TrimSpace(line))
			b.WriteString("\r\n")
		}
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

var testSource = ics.Source{ID: "test", URL: "file:///dev/null"}

func TestDecodeBasicEvent(t *testing.T) {
	d := ics.NewDecoder(0)

	body := icsBody(`
		UID:evt-1@example.org
		SUMMARY:Team lunch
		LOCATION:Cafeteria
		DESCRIPTION:Bring appetite
		DTSTART:20230101T120000Z
		DTEND:20230101T130000Z
	`)

	events, err := d.Decode(testSource, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}

	ev := events[0]
	if ev.UID != "evt-1@example.org" {
		t.Errorf("UID = %q", ev.UID)
	}
	if ev.Summary != "Team lunch" {
		t.Errorf("summary = %q", ev.Summary)
	}
	if ev.Location != "Cafeteria" {
		t.Errorf("location = %q", ev.Location)
	}
	if ev.Start.Value != "20230101T120000Z" {
		t.Errorf("raw start = %q (decoder must not interpret timestamps)", ev.Start.Value)
	}
	if ev.End.Value != "20230101T130000Z" {
		t.Errorf("raw end = %q", ev.End.Value)
	}
	if ev.Recurring() {
		t.Error("Recurring() = true for single event")
	}
}

func TestDecodeTZIDAndRecurrence(t *testing.T) {
	d := ics.NewDecoder(0)

	body := icsBody(`
		UID:evt-2@example.org
		SUMMARY:Standup
		DTSTART;TZID=Europe/Berlin:20230301T091500
		DTEND;TZID=Europe/Berlin:20230301T093000
		RRULE:FREQ=DAILY;COUNT=5
		EXDATE;TZID=Europe/Berlin:20230302T091500,20230303T091500
		EXDATE;TZID=Europe/Berlin:20230304T091500
	`)

	events, err := d.Decode(testSource, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}

	ev := events[0]
	if ev.Start.TZID != "Europe/Berlin" {
		t.Errorf("start TZID = %q", ev.Start.TZID)
	}
	if ev.RRule != "FREQ=DAILY;COUNT=5" {
		t.Errorf("rrule = %q", ev.RRule)
	}
	// Both the comma-joined collection and the repeated property must
	// flatten into individual stamps.
	if len(ev.ExDates) != 3 {
		t.Fatalf("exdates = %d, want 3", len(ev.ExDates))
	}
	for _, ex := range ev.ExDates {
		if ex.TZID != "Europe/Berlin" {
			t.Errorf("exdate TZID = %q", ex.TZID)
		}
		if strings.Contains(ex.Value, ",") {
			t.Errorf("exdate %q not flattened", ex.Value)
		}
	}
}

func TestDecodeStripsNULBytes(t *testing.T) {
	d := ics.NewDecoder(0)

	body := icsBody(`
		UID:evt-3@example.org
		SUMMARY:Nul-riddled
		DTSTART:20230101T120000Z
	`)
	// Sprinkle NULs the way broken producers do.
	body = bytes.ReplaceAll(body, []byte("SUMMARY"), []byte("S\x00UMMARY\x00"))

	events, err := d.Decode(testSource, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Summary != "Nul-riddled" {
		t.Fatalf("NUL bytes not stripped before parse: %+v", events)
	}
}

func TestDecodeMalformedFeed(t *testing.T) {
	d := ics.NewDecoder(0)

	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"only NULs", []byte("\x00\x00\x00")},
		{"wrong container", []byte("<html><body>not a calendar</body></html>")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(testSource, tt.body)
			if !errors.Is(err, ics.ErrMalformedFeed) {
				t.Fatalf("err = %v, want ErrMalformedFeed", err)
			}
		})
	}
}

func TestDecodeSkipsEventWithoutStart(t *testing.T) {
	d := ics.NewDecoder(0)

	body := icsBody(
		`UID:no-start@example.org
		 SUMMARY:Broken`,
		`UID:ok@example.org
		 SUMMARY:Fine
		 DTSTART:20230101T120000Z`,
	)

	events, err := d.Decode(testSource, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Summary != "Fine" {
		t.Fatalf("got %+v, want only the event with a DTSTART", events)
	}
}

func TestDecodeMemo(t *testing.T) {
	d := ics.NewDecoder(4)

	body := icsBody(`
		UID:memo@example.org
		SUMMARY:Memoized
		DTSTART:20230101T120000Z
	`)

	first, err := d.Decode(testSource, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := d.Decode(testSource, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != len(second) || second[0].Summary != "Memoized" {
		t.Fatalf("memoized decode diverged: %+v vs %+v", first, second)
	}
}
