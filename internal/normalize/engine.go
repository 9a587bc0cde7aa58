// Package normalize turns adapter output into canonical events: cleaned titles,
// group names, online/physical classification, location fields, tags and the
// dedup hash key. It also rebuilds events from persisted records, re-deriving
// every field the current rules compute.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"techcal/internal/model"
	"techcal/internal/refdata"
)

// ErrMalformedRecord is returned by FromRecord for records that cannot be
// turned back into an event.
var ErrMalformedRecord = errors.New("normalize: malformed record")

const (
	// FallbackGroup names events whose community cannot be inferred.
	FallbackGroup = "Evento"
	// UntitledLabel replaces empty summaries so formatted titles stay parseable.
	UntitledLabel = "Evento sin título"
	// OnlineTail is the location part of an online event's display title.
	OnlineTail = "Online"
)

// Engine holds the reference tables and the derived lookups for one target
// country. It is safe for concurrent use.
type Engine struct {
	ref         *refdata.Data
	country     refdata.Country
	target      refdata.Target
	countryKeys map[string]bool

	lookupOnce sync.Once
	lookup     map[string]refdata.Subdivision

	locationLabel *regexp.Regexp
}

// NewEngine builds an engine for countryCode (ISO alpha-2). The country must
// have target rules in ref.
func NewEngine(ref *refdata.Data, countryCode string) (*Engine, error) {
	country, ok := ref.CountryByCode(countryCode)
	if !ok {
		return nil, fmt.Errorf("normalize: unknown country %q", countryCode)
	}
	target, ok := ref.Target(country.Code)
	if !ok {
		return nil, fmt.Errorf("normalize: no target rules for %s", country.Code)
	}
	en := &Engine{
		ref:         ref,
		country:     country,
		target:      target,
		countryKeys: map[string]bool{},
	}
	for _, n := range append([]string{country.Name, country.OfficialName, country.DisplayName}, target.AltNames...) {
		if n != "" {
			en.countryKeys[Fold(n)] = true
		}
	}
	labels := make([]string, 0, len(ref.Keywords.LocationLabels))
	for _, l := range ref.Keywords.LocationLabels {
		labels = append(labels, regexp.QuoteMeta(l))
	}
	if len(labels) > 0 {
		en.locationLabel = regexp.MustCompile(`(?i)(?:` + strings.Join(labels, "|") + `):\s*(.+)`)
	}
	return en, nil
}

// Country returns the target country.
func (en *Engine) Country() refdata.Country { return en.country }

// Ref exposes the reference tables the engine was built with.
func (en *Engine) Ref() *refdata.Data { return en.ref }

// New canonicalizes a raw adapter event.
func (en *Engine) New(raw model.RawEvent) *model.Event {
	summary := cleanSummary(raw.Summary)
	e := &model.Event{
		Summary:      summary,
		Title:        NormalizeTitle(summary),
		Description:  FixEncoding(raw.Description),
		URL:          strings.TrimSpace(raw.URL),
		Location:     FixEncoding(strings.TrimSpace(raw.Location)),
		Start:        raw.Start,
		End:          raw.End,
		SourceURL:    raw.SourceURL,
		FeedName:     strings.TrimSpace(raw.FeedName),
		ForcedOnline: raw.ForcedOnline,
	}
	e.AddSource(e.URL)

	if e.Location == "" {
		e.Location = en.locationFromDescription(e.Description)
	}
	if e.URL == "" {
		if u := urlFromDescription(e.Description); u != "" {
			e.URL = u
			e.AddSource(u)
		}
	}

	e.Organizer = ExtractGroup(e.FeedName, FixEncoding(raw.Organizer), e.Description, e.URL, e.SourceURL)
	e.Tags = mergeTags(en.ExtractTags(e.Summary, e.Description), raw.Tags)

	d := en.ExtractLocationDetails(e.Location)
	if d.CountryCode == "" && raw.CountryCode != "" {
		if c, ok := en.ref.CountryByCode(raw.CountryCode); ok {
			d.Country, d.CountryCode = c.Label(), c.Code
		}
	}
	d.apply(e)
	e.Address = e.Location

	en.StandardizeLocation(e)
	e.HashKey = HashKey(e.Title, e.Start)
	return e
}

// FromRecord rebuilds an event from its persisted form. Derived fields (hash
// key, normalized title, tags, group, canonical location names) are always
// recomputed so stale records heal on load; stored location data is kept and
// only gaps are filled from the location text.
func (en *Engine) FromRecord(rec model.Record) (*model.Event, error) {
	if strings.TrimSpace(rec.Title) == "" {
		return nil, fmt.Errorf("%w: empty title", ErrMalformedRecord)
	}
	start, err := parseOptional(rec.DTStart)
	if err != nil {
		return nil, fmt.Errorf("%w: dtstart: %v", ErrMalformedRecord, err)
	}
	end, err := parseOptional(rec.DTEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: dtend: %v", ErrMalformedRecord, err)
	}

	summary := cleanSummary(summaryFromTitle(rec.Title))
	e := &model.Event{
		Summary:      summary,
		Title:        NormalizeTitle(summary),
		Description:  rec.Description,
		URL:          strings.TrimSpace(rec.URL),
		Location:     rec.Location,
		Start:        start,
		End:          end,
		SourceURL:    rec.Source,
		FeedName:     strings.TrimSpace(rec.Organizer),
		ForcedOnline: rec.ForcedOnline,
	}
	if e.FeedName == "" {
		e.FeedName = groupFromTitle(rec.Title)
	}
	e.AddSource(e.URL)
	for _, s := range rec.Sources {
		e.AddSource(s.URL)
	}
	e.Organizer = ExtractGroup(e.FeedName, "", e.Description, e.URL, e.SourceURL)
	e.Tags = mergeTags(en.ExtractTags(e.Summary, e.Description), rec.Tags)

	e.Country, e.CountryCode = rec.Country, rec.CountryCode
	e.State, e.StateCode = rec.State, rec.StateCode
	e.City, e.CityCode = rec.City, rec.CityCode
	e.Address = rec.Address

	d := en.ExtractLocationDetails(e.Location)
	if e.CountryCode == "" {
		e.Country, e.CountryCode = d.Country, d.CountryCode
	}
	if e.StateCode == "" && d.StateCode != "" && strings.EqualFold(d.CountryCode, e.CountryCode) {
		e.State, e.StateCode = d.State, d.StateCode
	}
	if e.Address == "" {
		e.Address = e.Location
	}

	en.StandardizeLocation(e)
	e.HashKey = HashKey(e.Title, e.Start)
	return e, nil
}

// ToRecord renders the persisted form of e.
func (en *Engine) ToRecord(e *model.Event) model.Record {
	sources := make([]model.SourceRef, 0, len(e.Sources))
	for _, s := range e.Sources {
		p := DetectPlatform(s)
		sources = append(sources, model.SourceRef{Platform: p, URL: s, Label: PlatformLabel(p)})
	}
	tags := append([]string{}, e.Tags...)
	sort.Strings(tags)
	return model.Record{
		Title:        en.FormatTitle(e),
		Description:  e.Description,
		URL:          e.URL,
		Sources:      sources,
		Location:     e.Location,
		Organizer:    e.Organizer,
		DTStart:      model.FormatTimestamp(e.Start),
		DTEnd:        model.FormatTimestamp(e.End),
		Tags:         tags,
		Source:       e.SourceURL,
		Country:      e.Country,
		CountryCode:  e.CountryCode,
		State:        e.State,
		StateCode:    e.StateCode,
		City:         e.City,
		CityCode:     e.CityCode,
		Address:      e.Address,
		HashKey:      e.HashKey,
		ForcedOnline: e.ForcedOnline,
	}
}

// FormatTitle renders "Group|Name|LocationTail".
func (en *Engine) FormatTitle(e *model.Event) string {
	group := e.Organizer
	if group == "" {
		group = ExtractGroup(e.FeedName, "", e.Description, e.URL, e.SourceURL)
	}
	group = strings.ReplaceAll(group, "|", " - ")
	name := e.Summary
	if name == "" {
		name = UntitledLabel
	}

	if en.IsOnline(e) {
		return group + "|" + name + "|" + OnlineTail
	}
	switch {
	case e.Country != "" && e.State != "":
		return group + "|" + name + "|" + e.Country + "|" + e.State
	case e.Country != "":
		return group + "|" + name + "|" + e.Country + "|"
	}
	hay := strings.ToLower(strings.Join([]string{group, e.Description, e.URL, e.SourceURL}, " "))
	if _, ok := containsAnyKeyword(hay, en.target.CountryKeywords); ok {
		return group + "|" + name + "|" + en.country.Label() + "|" + en.target.Capital.Name
	}
	return group + "|" + name + "|" + OnlineTail
}

// HashKey is the dedup key: the first 40 characters of the normalized title
// plus the UTC start floored to an even hour, or "_no_date".
func HashKey(title string, start time.Time) string {
	if len(title) > 40 {
		title = title[:40]
	}
	if start.IsZero() {
		return title + "_no_date"
	}
	u := start.UTC()
	bucket := time.Date(u.Year(), u.Month(), u.Day(), u.Hour()-u.Hour()%2, 0, 0, 0, time.UTC)
	return title + "_" + bucket.Format("2006-01-02T15:04:05-07:00")
}

// ExtractTags returns the sorted tags whose keywords occur in the title or description.
func (en *Engine) ExtractTags(summary, description string) []string {
	text := strings.ToLower(summary + " " + description)
	var tags []string
	for _, rule := range en.ref.Tags {
		if _, ok := containsAnyKeyword(text, rule.Keywords); ok {
			tags = append(tags, rule.Tag)
		}
	}
	sort.Strings(tags)
	return tags
}

func mergeTags(a, b []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func cleanSummary(s string) string {
	var parts []string
	for _, p := range strings.Split(FixEncoding(s), "|") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return UntitledLabel
	}
	return strings.Join(parts, " - ")
}

// summaryFromTitle extracts the event name from a formatted "Group|Name|..." title.
func summaryFromTitle(title string) string {
	parts := strings.Split(title, "|")
	if len(parts) >= 2 {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(title)
}

// groupFromTitle returns the group part of a formatted title, or "" when the
// title is not formatted or carries only the fallback label.
func groupFromTitle(title string) string {
	parts := strings.Split(title, "|")
	if len(parts) < 3 {
		return ""
	}
	g := strings.TrimSpace(parts[0])
	if g == FallbackGroup {
		return ""
	}
	return g
}

func parseOptional(s *string) (time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return time.Time{}, nil
	}
	return model.ParseTimestamp(*s)
}

var lumaInDescription = regexp.MustCompile(`https?://(?:www\.)?(?:luma\.com|lu\.ma)/[\w-]+`)

func urlFromDescription(desc string) string {
	return lumaInDescription.FindString(desc)
}

func (en *Engine) locationFromDescription(desc string) string {
	if desc == "" {
		return ""
	}
	if en.locationLabel != nil {
		if m := en.locationLabel.FindStringSubmatch(desc); m != nil {
			loc := strings.TrimSpace(m[1])
			loc = strings.TrimSpace(strings.NewReplacer("**", "", `\`, "").Replace(loc))
			if len(loc) > 5 {
				return loc
			}
		}
	}
	lines := strings.Split(desc, "\n")
	if len(lines) > 20 {
		lines = lines[:20]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		l := strings.ToLower(line)
		for _, marker := range en.ref.Keywords.AddressLineMarkers {
			if strings.Contains(l, marker) && len(line) > 10 && len(line) < 200 {
				return line
			}
		}
	}
	return ""
}
