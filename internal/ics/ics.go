// Package ics converts events to and from iCalendar. Exported feeds carry a
// display alarm at each event's reminder lead so calendar clients can show
// the same reminder.
package ics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/dukerupert/nudge/internal/model"
)

const productID = "-//nudge//reminders//EN"

// UID is the stable iCalendar identifier for an event id.
func UID(id int64) string {
	return fmt.Sprintf("event-%d@nudge", id)
}

// Encode renders events as a VCALENDAR. Events that were already reminded
// are exported without an alarm.
func Encode(events []model.Event, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	for _, ev := range events {
		ve := cal.AddEvent(UID(ev.ID))
		ve.SetDtStampTime(stamp)
		ve.SetCreatedTime(ev.CreatedAt)
		ve.SetStartAt(ev.Datetime)
		ve.SetSummary(ev.Title)
		if ev.Notes != "" {
			ve.SetDescription(ev.Notes)
		}
		if ev.Reminded {
			continue
		}
		alarm := ve.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetTrigger(formatTrigger(ev.ReminderLead()))
		alarm.SetProperty(ical.ComponentPropertyDescription, "Reminder: "+ev.Title)
	}

	return cal.Serialize()
}

// Entry is one importable VEVENT.
type Entry struct {
	UID      string
	Title    string
	Notes    string
	Datetime time.Time
	// ReminderHours is nil when the VEVENT has no usable alarm.
	ReminderHours *float64
}

// Result lists the importable entries and how many VEVENTs were skipped.
type Result struct {
	Entries []Entry
	Skipped int
}

// Parse reads a VCALENDAR. Recurring events and events without a summary
// or start time are skipped.
func Parse(r io.Reader) (Result, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return Result{}, fmt.Errorf("parse calendar: %w", err)
	}

	var res Result
	for _, ve := range cal.Events() {
		entry, ok := parseVEvent(ve)
		if !ok {
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}

func parseVEvent(ve *ical.VEvent) (Entry, bool) {
	if ve.GetProperty(ical.ComponentPropertyRrule) != nil {
		return Entry{}, false
	}

	var e Entry
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		e.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		e.Title = strings.TrimSpace(p.Value)
	}
	if e.Title == "" {
		return Entry{}, false
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		e.Notes = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil || start.IsZero() {
		return Entry{}, false
	}
	e.Datetime = start

	for _, alarm := range ve.Alarms() {
		p := alarm.GetProperty(ical.ComponentPropertyTrigger)
		if p == nil {
			continue
		}
		lead, err := parseTrigger(p.Value)
		if err != nil {
			continue
		}
		hours := lead.Hours()
		e.ReminderHours = &hours
		break
	}

	return e, true
}

func formatTrigger(lead time.Duration) string {
	switch {
	case lead <= 0:
		return "PT0S"
	case lead%time.Minute == 0:
		return fmt.Sprintf("-PT%dM", int64(lead/time.Minute))
	default:
		return fmt.Sprintf("-PT%dS", int64(lead/time.Second))
	}
}

var triggerRegexp = regexp.MustCompile(`^([+-]?)P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

var errTrigger = errors.New("unsupported trigger")

// parseTrigger reads a relative RFC 5545 duration such as "-PT15M" or
// "-P1D" and returns the lead before the event start. Triggers after the
// start, and leads too long for a time.Duration, are rejected.
func parseTrigger(v string) (time.Duration, error) {
	m := triggerRegexp.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return 0, errTrigger
	}

	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	seen := false
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		seen = true
		n, err := strconv.ParseInt(m[i+2], 10, 64)
		if err != nil || n > math.MaxInt64/int64(unit) {
			return 0, errTrigger
		}
		part := time.Duration(n) * unit
		if d > math.MaxInt64-part {
			return 0, errTrigger
		}
		d += part
	}

	if !seen || (m[1] != "-" && d != 0) {
		return 0, errTrigger
	}
	return d, nil
}
