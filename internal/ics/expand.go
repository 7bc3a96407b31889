package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/textcal/textcal/internal/model"
)

const defaultMaxOccurrences = 1000

// Occurrence is one concrete instance of an event within a display range.
type Occurrence struct {
	EventID string
	Summary string
	Start   time.Time
	End     time.Time
	AllDay  bool
}

// ExpandOptions controls recurrence expansion.
type ExpandOptions struct {
	// RangeStart and RangeEnd bound the occurrences, inclusive.
	RangeStart time.Time
	RangeEnd   time.Time
	// MaxPerEvent caps runaway rules; zero means defaultMaxOccurrences.
	MaxPerEvent int
}

// Expand turns events into concrete occurrences within the range. Events
// without a recurrence rule contribute at most one occurrence; recurring
// events are expanded through their RRULE with the original duration
// preserved.
func Expand(events []model.CalendarEvent, opts ExpandOptions) ([]Occurrence, error) {
	if opts.RangeEnd.Before(opts.RangeStart) {
		return nil, errors.New("range end is before range start")
	}
	maxPer := opts.MaxPerEvent
	if maxPer <= 0 {
		maxPer = defaultMaxOccurrences
	}

	var out []Occurrence
	for _, event := range events {
		start, end, allDay, err := eventRange(event)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", event.Summary, err)
		}
		rule := normalizeRRule(event.Recurrence)
		if rule == "" {
			if overlaps(start, end, opts.RangeStart, opts.RangeEnd) {
				out = append(out, occurrence(event, start, end, allDay))
			}
			continue
		}

		r, err := rrule.StrToRRule(rule)
		if err != nil {
			return nil, fmt.Errorf("event %q: bad recurrence rule: %w", event.Summary, err)
		}
		r.DTStart(start)

		rangeStart := opts.RangeStart.In(start.Location())
		rangeEnd := opts.RangeEnd.In(start.Location())
		times := r.Between(rangeStart, rangeEnd, true)
		if len(times) > maxPer {
			times = times[:maxPer]
		}
		duration := end.Sub(start)
		for _, occStart := range times {
			occEnd := occStart.Add(duration)
			if allDay {
				day := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
				occStart = day
				occEnd = day.AddDate(0, 0, 1)
			}
			out = append(out, occurrence(event, occStart, occEnd, allDay))
		}
	}
	return out, nil
}

func occurrence(event model.CalendarEvent, start, end time.Time, allDay bool) Occurrence {
	return Occurrence{
		EventID: event.ID,
		Summary: event.Summary,
		Start:   start,
		End:     end,
		AllDay:  allDay,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
