package source

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/agentworkforce/relaycal/internal/intake"
)

var ErrNoEvent = errors.New("calendar has no event")

// CalendarEvent is the part of a text/calendar payload the intake needs.
type CalendarEvent struct {
	Method      intake.Method
	UID         string
	Title       string
	Start       time.Time
	End         *time.Time
	Organizer   string
	Attendees   []string
	Location    string
	Description string
	JoinURL     string
	Cancelled   bool
}

// DecodeICS reads the first VEVENT of an iCalendar document. The calendar's
// METHOD decides REQUEST/CANCEL/REPLY; a missing METHOD means REQUEST.
func DecodeICS(raw string) (CalendarEvent, error) {
	dec := ical.NewDecoder(strings.NewReader(normalizeLineEndings(raw)))
	cal, err := dec.Decode()
	if errors.Is(err, io.EOF) {
		return CalendarEvent{}, ErrNoEvent
	}
	if err != nil {
		return CalendarEvent{}, fmt.Errorf("decode calendar: %w", err)
	}

	var out CalendarEvent
	out.Method = intake.MethodRequest
	if prop := cal.Props.Get(ical.PropMethod); prop != nil {
		out.Method = intake.ParseMethod(prop.Value)
	}
	events := cal.Events()
	if len(events) == 0 {
		return CalendarEvent{}, ErrNoEvent
	}
	ev := events[0]
	normalizeComponentTimezones(ev.Component)

	out.UID = propText(ev.Component, ical.PropUID)
	out.Title = propText(ev.Component, ical.PropSummary)
	out.Location = propText(ev.Component, ical.PropLocation)
	out.Description = propText(ev.Component, ical.PropDescription)
	out.Organizer = calAddress(propText(ev.Component, ical.PropOrganizer))
	for _, attendee := range ev.Props.Values(ical.PropAttendee) {
		if addr := calAddress(attendee.Value); addr != "" {
			out.Attendees = append(out.Attendees, addr)
		}
	}
	if status := propText(ev.Component, ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		out.Cancelled = true
	}

	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil {
		start, err := prop.DateTime(time.UTC)
		if err != nil {
			return CalendarEvent{}, fmt.Errorf("parse DTSTART: %w", err)
		}
		out.Start = start.UTC()
	}
	if prop := ev.Props.Get(ical.PropDateTimeEnd); prop != nil {
		end, err := prop.DateTime(time.UTC)
		if err != nil {
			return CalendarEvent{}, fmt.Errorf("parse DTEND: %w", err)
		}
		end = end.UTC()
		out.End = &end
	} else if prop := ev.Props.Get(ical.PropDuration); prop != nil && !out.Start.IsZero() {
		if d, ok := parseDuration(prop.Value); ok && d > 0 {
			end := out.Start.Add(d)
			out.End = &end
		}
	}

	out.JoinURL = ExtractJoinURL(out.Location + " " + out.Description)
	if out.JoinURL == "" {
		out.JoinURL = ExtractJoinURL(propText(ev.Component, "X-GOOGLE-CONFERENCE"))
	}
	if out.JoinURL == "" {
		out.JoinURL = firstURL(propText(ev.Component, ical.PropURL))
	}
	return out, nil
}

// maxEventDuration bounds a DURATION value; anything longer is not a
// meeting and would risk overflowing time.Duration.
const maxEventDuration = 366 * 24 * time.Hour

// parseDuration handles the dur-value forms calendars emit for meetings:
// [+]P[nW] or P[nD][T[nH][nM][nS]].
func parseDuration(value string) (time.Duration, bool) {
	value = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(value)), "+")
	if !strings.HasPrefix(value, "P") || len(value) < 3 {
		return 0, false
	}
	var total time.Duration
	inTime := false
	var num int64
	digits := 0
	for _, r := range value[1:] {
		switch {
		case r >= '0' && r <= '9':
			if digits++; digits > 9 {
				return 0, false
			}
			num = num*10 + int64(r-'0')
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if digits == 0 {
			return 0, false
		}
		var unit time.Duration
		switch {
		case r == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			unit = 24 * time.Hour
		case r == 'H' && inTime:
			unit = time.Hour
		case r == 'M' && inTime:
			unit = time.Minute
		case r == 'S' && inTime:
			unit = time.Second
		default:
			return 0, false
		}
		if num > int64(maxEventDuration/unit) {
			return 0, false
		}
		total += time.Duration(num) * unit
		if total > maxEventDuration {
			return 0, false
		}
		num, digits = 0, 0
	}
	return total, digits == 0
}

func propText(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	if text, err := prop.Text(); err == nil {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(prop.Value)
}

func calAddress(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "mailto:") {
		value = value[7:]
	}
	return strings.ToLower(value)
}

// normalizeLineEndings lets hand-written fixtures and mail bodies with bare
// LF line breaks decode; the wire format requires CRLF.
func normalizeLineEndings(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.ReplaceAll(raw, "\n", "\r\n")
}
