package adapter

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

// HiEvents reads a Hi.Events organizer through its public API.
type HiEvents struct {
	deps Deps
	http *fetcher
}

func NewHiEvents(d Deps) *HiEvents {
	d = d.withDefaults()
	return &HiEvents{deps: d, http: newFetcher(d)}
}

func (a *HiEvents) Name() string { return KeyHiEvents }

type hiEvent struct {
	ID          json.Number `json:"id"`
	Slug        string      `json:"slug"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	StartDate   string      `json:"start_date"`
	EndDate     string      `json:"end_date"`
	Settings    struct {
		IsOnline bool `json:"is_online_event"`
		Location struct {
			VenueName string `json:"venue_name"`
			Address1  string `json:"address_line_1"`
			City      string `json:"city"`
			Region    string `json:"state_or_region"`
			Country   string `json:"country"`
		} `json:"location_details"`
	} `json:"settings"`
	Organizer struct {
		Name string `json:"name"`
	} `json:"organizer"`
}

// hiEventsAPI maps an organizer page (.../events/{id}/{slug}) to its API URL.
func hiEventsAPI(u string) string {
	if !strings.Contains(u, "/events/") || strings.Contains(u, "/api/") {
		return u
	}
	base, rest, _ := strings.Cut(u, "/events/")
	id, _, _ := strings.Cut(rest, "/")
	if id == "" {
		return u
	}
	return base + "/api/public/organizers/" + id + "/events"
}

func (a *HiEvents) Extract(ctx context.Context, feed model.Feed) ([]*model.Event, error) {
	api := hiEventsAPI(feed.URL)
	appLog.Info("hievents: fetching api", "url", api)
	body, err := a.http.get(ctx, api, http.Header{"Accept": {"application/json"}, "User-Agent": {feedUserAgent}})
	if err != nil {
		return nil, fmt.Errorf("hievents: fetch %s: %w", api, err)
	}
	var resp struct {
		Data []hiEvent `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("hievents: decode %s: %w", api, err)
	}

	base, _, _ := strings.Cut(feed.URL, "/events/")
	events := make([]*model.Event, 0, len(resp.Data))
	for _, h := range resp.Data {
		events = append(events, a.deps.Engine.New(a.toRaw(h, base, feed)))
	}
	appLog.Info("hievents: extracted events", "url", feed.URL, "count", len(events))
	return events, nil
}

func (a *HiEvents) toRaw(h hiEvent, base string, feed model.Feed) model.RawEvent {
	l := h.Settings.Location
	loc := joinNonEmpty(l.VenueName, l.Address1, l.City, l.Region, l.Country)
	if loc == "" {
		loc = a.deps.Engine.Country().Label()
	}
	raw := model.RawEvent{
		Summary:     h.Title,
		Description: h.Description,
		URL:         fmt.Sprintf("%s/event/%s/%s", base, h.ID.String(), h.Slug),
		Location:    loc,
		Organizer:   firstNonBlank(h.Organizer.Name, feed.Name),
		SourceURL:   feed.URL,
		FeedName:    feed.Name,
	}
	if h.Settings.IsOnline {
		raw.Location = normalize.OnlineTail
		raw.ForcedOnline = true
	}
	if t, err := model.ParseTimestamp(h.StartDate); err == nil {
		raw.Start = t
	}
	if t, err := model.ParseTimestamp(h.EndDate); err == nil {
		raw.End = t
	}
	return raw
}
