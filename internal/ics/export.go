package ics

import (
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/textcal/textcal/internal/model"
)

const prodID = "-//textcal//textcal//EN"

// Export serializes events into a single iCalendar document. Timed events
// render with their zone-resolved DTSTART/DTEND; all-day events use
// VALUE=DATE semantics. An event with an unparseable time range fails the
// whole export rather than silently dropping it.
func Export(events []model.CalendarEvent) (string, error) {
	if len(events) == 0 {
		return "", errors.New("no events to export")
	}
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(prodID)

	for _, event := range events {
		start, end, allDay, err := eventRange(event)
		if err != nil {
			return "", fmt.Errorf("event %q: %w", event.Summary, err)
		}
		uid := event.ID
		if uid == "" {
			uid = uuid.NewString()
		}
		ve := cal.AddEvent(uid + "@textcal")
		ve.SetDtStampTime(time.Now().UTC())
		ve.SetSummary(event.Summary)
		if allDay {
			ve.SetAllDayStartAt(start)
			ve.SetAllDayEndAt(end)
		} else {
			ve.SetStartAt(start)
			ve.SetEndAt(end)
		}
		if event.Location != "" {
			ve.SetLocation(event.Location)
		}
		if event.Description != "" {
			ve.SetDescription(event.Description)
		}
		if rule := normalizeRRule(event.Recurrence); rule != "" {
			ve.AddRrule(rule)
		}
	}
	return cal.Serialize(), nil
}

// eventRange resolves an event's start and end into concrete times. An
// all-day event with no end spans one day; a timed event with no end is
// zero-length at its start.
func eventRange(event model.CalendarEvent) (start, end time.Time, allDay bool, err error) {
	start, allDay, err = parseEndpoint(event.Start)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if model.EffectiveDateTime(event.End) == "" {
		if allDay {
			return start, start.AddDate(0, 0, 1), true, nil
		}
		return start, start, false, nil
	}
	end, _, err = parseEndpoint(event.End)
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, false, errors.New("event ends before it starts")
	}
	return start, end, allDay, nil
}

// parseEndpoint turns a date-or-dateTime endpoint into a time.Time, using
// the endpoint's IANA zone when present.
func parseEndpoint(endpoint model.EventDateTime) (time.Time, bool, error) {
	loc := time.Local
	if endpoint.TimeZone != "" {
		parsed, err := time.LoadLocation(endpoint.TimeZone)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("unknown timezone %q", endpoint.TimeZone)
		}
		loc = parsed
	}
	if model.IsAllDay(endpoint) {
		t, err := time.ParseInLocation("2006-01-02", endpoint.Date, loc)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("bad date %q", endpoint.Date)
		}
		return t, true, nil
	}
	value := endpoint.DateTime
	if value == "" {
		return time.Time{}, false, errors.New("endpoint has neither date nor dateTime")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("bad dateTime %q", value)
}

// normalizeRRule strips an optional RRULE: prefix so stored recurrence
// strings from either form serialize the same way.
func normalizeRRule(recurrence string) string {
	rule := strings.TrimSpace(recurrence)
	rule = strings.TrimPrefix(rule, "RRULE:")
	return rule
}
