// Package export writes the final event list as an iCalendar file and as the
// JSON document consumed by the website.
package export

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"techcal/internal/fileio"
	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

const (
	ProdID    = "-//Cron-Quiles//ICS Aggregator//EN"
	uidDomain = "techcal"

	propPrefix = "X-CRONQUILES-"
)

// CalendarOptions are the calendar-level properties.
type CalendarOptions struct {
	Name        string
	Description string
	Timezone    string
	// Now stamps DTSTAMP; defaults to time.Now.
	Now func() time.Time
}

// DefaultCalendarOptions names the calendar after the target country.
func DefaultCalendarOptions(country string) CalendarOptions {
	return CalendarOptions{
		Name:        "Eventos Tech " + country + " - cronquiles",
		Description: "Calendario unificado de eventos tech en " + country,
		Timezone:    "America/Mexico_City",
	}
}

// EventUID derives a stable UID from the hash key so calendar clients keep
// updating the same entry across runs.
func EventUID(hashKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(hashKey)).String() + "@" + uidDomain
}

// BuildICS renders events as a VCALENDAR. Events without a start time cannot
// be placed on a calendar and are left out.
func BuildICS(en *normalize.Engine, events []*model.Event, opts CalendarOptions) (string, int) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	stamp := now().UTC()

	cal := ical.NewCalendar()
	cal.SetProductId(ProdID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetCalscale("GREGORIAN")
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	if opts.Description != "" {
		cal.SetXWRCalDesc(opts.Description)
	}
	if opts.Timezone != "" {
		cal.SetXWRTimezone(opts.Timezone)
	}

	var skipped int
	for _, e := range events {
		if !e.HasStart() {
			skipped++
			continue
		}
		ve := cal.AddEvent(EventUID(e.HashKey))
		ve.SetDtStampTime(stamp)
		ve.SetStartAt(e.Start)
		if !e.End.IsZero() {
			ve.SetEndAt(e.End)
		}
		setText(ve, ical.ComponentPropertySummary, en.FormatTitle(e))
		setText(ve, ical.ComponentPropertyDescription, e.Description)
		setText(ve, ical.ComponentPropertyLocation, e.Location)
		if e.URL != "" {
			ve.SetProperty(ical.ComponentPropertyUrl, e.URL)
		}
		if e.Organizer != "" {
			ve.SetOrganizer("mailto:noreply@"+uidDomain+".invalid", ical.WithCN(strings.ReplaceAll(e.Organizer, `"`, "'")))
		}
		if len(e.Tags) > 0 {
			tags := append([]string(nil), e.Tags...)
			sort.Strings(tags)
			for i := range tags {
				tags[i] = escapeText(tags[i])
			}
			ve.SetProperty(ical.ComponentPropertyCategories, strings.Join(tags, ","))
		}
		for _, p := range [][2]string{
			{"COUNTRY", e.Country},
			{"COUNTRY-CODE", e.CountryCode},
			{"STATE", e.State},
			{"STATE-CODE", e.StateCode},
			{"CITY", e.City},
			{"CITY-CODE", e.CityCode},
			{"ADDRESS", e.Address},
		} {
			if p[1] != "" {
				setText(ve, ical.ComponentProperty(propPrefix+p[0]), p[1])
			}
		}
	}
	return cal.Serialize(), skipped
}

// WriteICS renders events and writes them to path atomically.
func WriteICS(path string, en *normalize.Engine, events []*model.Event, opts CalendarOptions) error {
	body, skipped := BuildICS(en, events, opts)
	if err := WriteCalendar(path, body); err != nil {
		return err
	}
	appLog.Info("export: wrote calendar", "path", path, "events", len(events)-skipped, "skipped_undated", skipped)
	return nil
}

// WriteCalendar atomically writes an already built calendar body.
func WriteCalendar(path, body string) error {
	if err := fileio.WriteAtomic(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}

func setText(ve *ical.VEvent, p ical.ComponentProperty, v string) {
	v = normalize.FixEncoding(v)
	if v == "" {
		return
	}
	ve.SetProperty(p, escapeText(v))
}

var textEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\r\n", `\n`, "\n", `\n`, "\r", "")

// escapeText applies RFC 5545 TEXT escaping.
func escapeText(s string) string { return textEscaper.Replace(s) }

// OnlineGroup is the GroupByState key for events without a state.
const OnlineGroup = "ONLINE"

// GroupByState buckets events by state code, keeping input order within
// each bucket.
func GroupByState(events []*model.Event) map[string][]*model.Event {
	out := map[string][]*model.Event{}
	for _, e := range events {
		code := e.StateCode
		if code == "" {
			code = OnlineGroup
		}
		out[code] = append(out[code], e)
	}
	return out
}

// WriteStateCalendars writes one calendar per state into dir, named
// cronquiles-<code>.ics. It returns the number of files written.
func WriteStateCalendars(dir string, en *normalize.Engine, events []*model.Event, base CalendarOptions) (int, error) {
	groups := GroupByState(events)
	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		opts := base
		label := "Online"
		if code != OnlineGroup {
			label = groups[code][0].State
		}
		if label != "" {
			opts.Name = "Eventos Tech " + label + " - cronquiles"
			opts.Description = "Calendario unificado de eventos tech: " + label
		}
		path := filepath.Join(dir, "cronquiles-"+strings.ToLower(code)+".ics")
		if err := WriteICS(path, en, groups[code], opts); err != nil {
			return 0, err
		}
	}
	return len(codes), nil
}
