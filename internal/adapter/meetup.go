package adapter

import (
	"context"
	"strings"

	"github.com/goccy/go-json"

	"techcal/internal/model"
	"techcal/internal/normalize"
)

// Meetup reads a group's ICS feed, then fills in venues the feed leaves
// vague from each event page.
type Meetup struct {
	ics    *ICS
	enrich *enricher
}

func NewMeetup(d Deps) *Meetup {
	ics := NewICS(d)
	return &Meetup{ics: ics, enrich: newEnricher(ics.deps, ics.http, KeyMeetup)}
}

func (a *Meetup) Name() string { return KeyMeetup }

func (a *Meetup) Extract(ctx context.Context, feed model.Feed) ([]*model.Event, error) {
	events, err := a.ics.Extract(ctx, feed)
	if err != nil {
		return nil, err
	}
	a.enrich.run(ctx, events, needsMeetupVenue, a.applyPage)
	return events, nil
}

func needsMeetupVenue(e *model.Event) bool {
	return strings.Contains(e.URL, "meetup.com") && len(e.Location) < 15
}

// applyPage reads the venue from JSON-LD, falling back to __NEXT_DATA__.
func (a *Meetup) applyPage(e *model.Event, html string) bool {
	en := a.ics.deps.Engine
	for _, raw := range jsonLDBlocks(html) {
		for _, n := range collectEvents(raw) {
			if n.Location == nil {
				continue
			}
			if n.Location.virtual() {
				normalize.MarkOnline(e)
				return true
			}
			name := n.Location.Name
			if name == "Online Event" {
				name = ""
			}
			addr := n.Location.Address
			loc := joinNonEmpty(name, addr.Text, string(addr.Street), string(addr.Locality))
			if loc != "" && len(loc) > len(e.Location) {
				en.Relocate(e, loc)
				return true
			}
		}
	}

	var page struct {
		Props struct {
			PageProps struct {
				Event struct {
					Venue *struct {
						Name    string          `json:"name"`
						Address json.RawMessage `json:"address"`
						City    string          `json:"city"`
					} `json:"venue"`
				} `json:"event"`
			} `json:"pageProps"`
		} `json:"props"`
	}
	if !nextData(html, &page) || page.Props.PageProps.Event.Venue == nil {
		return false
	}
	v := page.Props.PageProps.Event.Venue
	parts := []string{v.Name}
	var addr struct {
		Address1 string `json:"address_1"`
		City     string `json:"city"`
	}
	var text string
	switch {
	case json.Unmarshal(v.Address, &text) == nil:
		parts = append(parts, text, v.City)
	case json.Unmarshal(v.Address, &addr) == nil:
		parts = append(parts, addr.Address1, firstNonBlank(addr.City, v.City))
	default:
		parts = append(parts, v.City)
	}
	loc := joinNonEmpty(parts...)
	if loc != "" && len(loc) > len(e.Location) {
		en.Relocate(e, loc)
		return true
	}
	return false
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
