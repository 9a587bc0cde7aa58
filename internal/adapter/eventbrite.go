package adapter

import (
	"context"
	"fmt"
	"strings"

	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

// Eventbrite scrapes the schema.org data embedded in organizer and event
// pages. Only events in the target country (or online) are kept.
type Eventbrite struct {
	deps  Deps
	pages PageFetcher
}

func NewEventbrite(d Deps) *Eventbrite {
	d = d.withDefaults()
	var pages PageFetcher = httpPages{f: newFetcher(d)}
	if d.Pages != nil {
		pages = d.Pages
	}
	return &Eventbrite{deps: d, pages: pages}
}

func (a *Eventbrite) Name() string { return KeyEventbrite }

func (a *Eventbrite) Extract(ctx context.Context, feed model.Feed) ([]*model.Event, error) {
	appLog.Info("eventbrite: fetching page", "url", feed.URL)
	html, err := a.pages.FetchPage(ctx, feed.URL)
	if err != nil {
		return nil, fmt.Errorf("eventbrite: fetch %s: %w", feed.URL, err)
	}
	blocks := jsonLDBlocks(html)
	if len(blocks) == 0 {
		appLog.Warn("eventbrite: no JSON-LD found", "url", feed.URL)
		return nil, nil
	}

	var found int
	var events []*model.Event
	for _, raw := range blocks {
		for _, n := range collectEvents(raw) {
			rawEv, ok := a.toRaw(n, feed)
			if !ok {
				continue
			}
			found++
			if !a.inTarget(rawEv, n) {
				continue
			}
			events = append(events, a.deps.Engine.New(rawEv))
		}
	}
	appLog.Info("eventbrite: extracted events", "url", feed.URL, "count", len(events), "found", found)
	return events, nil
}

func (a *Eventbrite) toRaw(n ldNode, feed model.Feed) (model.RawEvent, bool) {
	if strings.TrimSpace(n.URL) == "" {
		return model.RawEvent{}, false
	}
	raw := model.RawEvent{
		Summary:     n.Name,
		Description: n.Description,
		URL:         n.URL,
		Organizer:   string(n.Organizer),
		SourceURL:   feed.URL,
		FeedName:    feed.Name,
	}
	if raw.Organizer == "" {
		raw.Organizer = feed.Name
	}
	if t, err := model.ParseTimestamp(n.StartDate); err == nil {
		raw.Start = t
	}
	if t, err := model.ParseTimestamp(n.EndDate); err == nil {
		raw.End = t
	}
	if p := n.Location; p != nil {
		addr := p.Address
		raw.Location = joinNonEmpty(p.Name, addr.Text, string(addr.Street), string(addr.Locality), string(addr.Region))
		if len(string(addr.Country)) == 2 {
			raw.CountryCode = string(addr.Country)
		}
	}
	if n.AttendanceMode == onlineAttendance {
		raw.Location = normalize.OnlineTail
		raw.ForcedOnline = true
	}
	return raw, true
}

func (a *Eventbrite) inTarget(raw model.RawEvent, n ldNode) bool {
	if n.Location != nil && a.deps.Engine.IsTargetCountry(string(n.Location.Address.Country)) {
		return true
	}
	if raw.ForcedOnline {
		return true
	}
	return a.deps.Engine.MentionsTarget(raw.Location)
}
