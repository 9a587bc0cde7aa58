package adapter

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "techcal/internal/log"
)

// vevent is one VEVENT as read from a feed, before recurrence expansion.
type vevent struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string
	Organizer   string

	// Start is zero for date-only (all-day) events.
	Start  time.Time
	End    time.Time
	AllDay bool

	RRule      string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID of an overridden instance
}

// calendar is a parsed feed.
type calendar struct {
	Name   string
	Events []vevent
}

// parseCalendar reads an ICS payload. Cancelled events are dropped; a VEVENT
// that cannot be read is logged and skipped.
func parseCalendar(body []byte) (calendar, error) {
	var out calendar
	if len(bytes.TrimSpace(body)) == 0 {
		return out, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	for _, p := range cal.CalendarProperties {
		if p.IANAToken == string(ical.PropertyXWRCalName) {
			out.Name = strings.TrimSpace(p.Value)
		}
	}
	for _, ve := range cal.Events() {
		if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED") {
			continue
		}
		ev, err := parseVEvent(ve)
		if err != nil {
			appLog.Warn("ics: skipping vevent", "error", err.Error())
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

func parseVEvent(ve *ical.VEvent) (vevent, error) {
	var out vevent
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	out.Summary = propText(ve, ical.ComponentPropertySummary)
	out.Description = propText(ve, ical.ComponentPropertyDescription)
	out.Location = propText(ve, ical.ComponentPropertyLocation)
	out.URL = strings.TrimSpace(propText(ve, ical.ComponentPropertyUrl))
	if p := ve.GetProperty(ical.ComponentPropertyOrganizer); p != nil {
		out.Organizer = organizerName(p.Value, p.ICalParameters)
	}

	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return out, errors.New("missing DTSTART")
	}
	if isDateOnly(p.Value, p.ICalParameters) {
		out.AllDay = true
	} else {
		start, err := parseICSTime(p.Value, p.ICalParameters)
		if err != nil {
			return out, err
		}
		out.Start = start
		if e := ve.GetProperty(ical.ComponentPropertyDtEnd); e != nil && !isDateOnly(e.Value, e.ICalParameters) {
			if end, err := parseICSTime(e.Value, e.ICalParameters); err == nil {
				out.End = end
			}
		}
	}

	if r := ve.GetProperty(ical.ComponentPropertyRrule); r != nil {
		out.RRule = strings.TrimSpace(r.Value)
	}
	for _, ex := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(ex.Value, ",") {
			if t, err := parseICSTime(part, ex.ICalParameters); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}
	if rid := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); rid != nil {
		if t, err := parseICSTime(rid.Value, rid.ICalParameters); err == nil {
			out.Recurrence = &t
		}
	}
	return out, nil
}

func propText(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// organizerName prefers the CN parameter, then the address without "mailto:".
func organizerName(value string, params map[string][]string) string {
	if cn := params["CN"]; len(cn) > 0 && strings.TrimSpace(cn[0]) != "" {
		return strings.Trim(strings.TrimSpace(cn[0]), `"`)
	}
	v := strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToLower(v), "mailto:") {
		return ""
	}
	return v
}

func isDateOnly(value string, params map[string][]string) bool {
	if vs := params["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(value, "T")
}

// parseICSTime parses DATE-TIME values. UTC ("Z") and TZID forms keep their
// zone; floating times are taken as UTC.
func parseICSTime(v string, params map[string][]string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	loc := time.UTC
	if tz := params["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			loc = l
		}
	}
	if !strings.Contains(v, "T") {
		return time.ParseInLocation("20060102", v, loc)
	}
	return time.ParseInLocation("20060102T150405", v, loc)
}
