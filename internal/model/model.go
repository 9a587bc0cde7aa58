package model

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Feed describes one configured source: a feed/page URL plus an optional
// display name that overrides whatever organizer the source reports.
type Feed struct {
	URL          string `yaml:"url" json:"url" validate:"required,url"`
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
	CommunityURL string `yaml:"community_url,omitempty" json:"community_url,omitempty"`
}

// RawEvent is what an adapter hands to the normalization engine before any
// canonicalization takes place.
type RawEvent struct {
	Summary     string
	Description string
	URL         string
	Location    string
	Organizer   string

	// Start/End are zero when the source has no (timed) value.
	Start time.Time
	End   time.Time

	SourceURL    string
	FeedName     string
	ForcedOnline bool
	Tags         []string

	// CountryCode is a hint from sources that only ever publish events of one country.
	CountryCode string
}

// Event is the canonical record of one event, independent of its feed.
type Event struct {
	// Summary is the cleaned display title; Title is its normalized form used
	// only for hashing and matching.
	Summary string
	Title   string

	Description string
	URL         string
	Sources     []string
	Location    string
	Organizer   string

	Start time.Time
	End   time.Time

	Tags []string

	Country     string
	CountryCode string
	State       string
	StateCode   string
	City        string
	CityCode    string
	Address     string

	HashKey string

	SourceURL    string
	FeedName     string
	ForcedOnline bool
}

// HasStart reports whether the event carries a start time.
func (e *Event) HasStart() bool { return !e.Start.IsZero() }

// AddSource appends u to Sources if it is an http(s) URL not yet present.
func (e *Event) AddSource(u string) bool {
	u = strings.TrimSpace(u)
	if !IsHTTPURL(u) {
		return false
	}
	for _, s := range e.Sources {
		if s == u {
			return false
		}
	}
	e.Sources = append(e.Sources, u)
	return true
}

// IsHTTPURL reports whether s looks like an absolute http or https URL.
func IsHTTPURL(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// SourceRef is one entry of a persisted record's sources list.
type SourceRef struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	Label    string `json:"label"`
}

// UnmarshalJSON accepts both the object form and a bare URL string, which is
// how older history files stored sources.
func (s *SourceRef) UnmarshalJSON(b []byte) error {
	var plain string
	if err := json.Unmarshal(b, &plain); err == nil {
		*s = SourceRef{URL: plain}
		return nil
	}
	type alias SourceRef
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*s = SourceRef(a)
	return nil
}

// Record is the persisted/serialized form of an Event. It is what the
// history file, manual config entries and the JSON output contain.
type Record struct {
	Title        string      `json:"title" yaml:"title" validate:"required"`
	Description  string      `json:"description" yaml:"description,omitempty"`
	URL          string      `json:"url" yaml:"url,omitempty"`
	Sources      []SourceRef `json:"sources" yaml:"-"`
	Location     string      `json:"location" yaml:"location,omitempty"`
	Organizer    string      `json:"organizer" yaml:"organizer,omitempty"`
	DTStart      *string     `json:"dtstart" yaml:"dtstart,omitempty"`
	DTEnd        *string     `json:"dtend" yaml:"dtend,omitempty"`
	Tags         []string    `json:"tags" yaml:"tags,omitempty"`
	Source       string      `json:"source" yaml:"source,omitempty"`
	Country      string      `json:"country" yaml:"country,omitempty"`
	CountryCode  string      `json:"country_code" yaml:"country_code,omitempty"`
	State        string      `json:"state" yaml:"state,omitempty"`
	StateCode    string      `json:"state_code" yaml:"state_code,omitempty"`
	City         string      `json:"city" yaml:"city,omitempty"`
	CityCode     string      `json:"city_code" yaml:"city_code,omitempty"`
	Address      string      `json:"address" yaml:"address,omitempty"`
	HashKey      string      `json:"hash_key" yaml:"-"`
	ForcedOnline bool        `json:"forced_online,omitempty" yaml:"forced_online,omitempty"`
}

// StartTime parses DTStart; ok is false when it is absent or malformed.
func (r Record) StartTime() (time.Time, bool) {
	if r.DTStart == nil || *r.DTStart == "" {
		return time.Time{}, false
	}
	t, err := ParseTimestamp(*r.DTStart)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatTimestamp renders t the way records store it; nil for a zero time.
func FormatTimestamp(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
}

// ParseTimestamp accepts the ISO-8601 shapes found in history files and
// platform APIs. Values without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
