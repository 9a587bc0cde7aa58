package adapter

import (
	"context"
	"fmt"
	"net/http"

	appLog "techcal/internal/log"
	"techcal/internal/model"
)

// ICS reads any standard iCalendar feed.
type ICS struct {
	deps Deps
	http *fetcher
}

func NewICS(d Deps) *ICS {
	d = d.withDefaults()
	return &ICS{deps: d, http: newFetcher(d)}
}

func (a *ICS) Name() string { return KeyICS }

func (a *ICS) Extract(ctx context.Context, feed model.Feed) ([]*model.Event, error) {
	if feed.URL == "" {
		return nil, fmt.Errorf("ics: feed has no url")
	}
	appLog.Info("ics: fetching feed", "url", redactURL(feed.URL))
	body, err := a.http.getCached(ctx, feed.URL, http.Header{"User-Agent": {feedUserAgent}})
	if err != nil {
		return nil, fmt.Errorf("ics: fetch %s: %w", redactURL(feed.URL), err)
	}
	return a.fromBody(feed, body)
}

// fromBody parses and normalizes an already-downloaded feed.
func (a *ICS) fromBody(feed model.Feed, body []byte) ([]*model.Event, error) {
	cal, err := parseCalendar(body)
	if err != nil {
		return nil, fmt.Errorf("ics: parse %s: %w", redactURL(feed.URL), err)
	}
	name := feed.Name
	if name == "" && cal.Name != "" {
		name = cal.Name
		appLog.Debug("ics: using X-WR-CALNAME as feed name", "feed", name)
	}

	now := a.deps.Now()
	win := expandWindow{Start: now.AddDate(0, 0, -30), End: now.Add(a.deps.Horizon)}
	vevents := expand(cal.Events, win)

	events := make([]*model.Event, 0, len(vevents))
	for _, ve := range vevents {
		events = append(events, a.deps.Engine.New(model.RawEvent{
			Summary:     ve.Summary,
			Description: ve.Description,
			URL:         ve.URL,
			Location:    ve.Location,
			Organizer:   ve.Organizer,
			Start:       ve.Start,
			End:         ve.End,
			SourceURL:   feed.URL,
			FeedName:    name,
		}))
	}
	appLog.Info("ics: extracted events", "url", redactURL(feed.URL), "count", len(events))
	return events, nil
}
