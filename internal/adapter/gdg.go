package adapter

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

var gdgChapterID = regexp.MustCompile(`Globals\.chapter_id\s*=\s*['"](\d+)['"]`)

const gdgFields = "title,start_date_iso,end_date_iso,event_type_title,url,description_short,venue_name,venue_address,venue_city,venue_zip_code,chapter_title,audience_type,tags"

// GDG reads a chapter page on gdg.community.dev, finds its chapter id and
// queries the public event API. Chapters are assumed to be in the target
// country.
type GDG struct {
	deps Deps
	http *fetcher
}

func NewGDG(d Deps) *GDG {
	d = d.withDefaults()
	return &GDG{deps: d, http: newFetcher(d)}
}

func (a *GDG) Name() string { return KeyGDG }

type gdgEvent struct {
	Title        string   `json:"title"`
	Start        string   `json:"start_date_iso"`
	End          string   `json:"end_date_iso"`
	URL          string   `json:"url"`
	Description  string   `json:"description_short"`
	VenueName    string   `json:"venue_name"`
	VenueAddress string   `json:"venue_address"`
	VenueCity    string   `json:"venue_city"`
	ChapterTitle string   `json:"chapter_title"`
	AudienceType string   `json:"audience_type"`
	Tags         []string `json:"tags"`
}

func (a *GDG) Extract(ctx context.Context, feed model.Feed) ([]*model.Event, error) {
	page, err := a.http.get(ctx, feed.URL, http.Header{"User-Agent": {pageUserAgent}})
	if err != nil {
		return nil, fmt.Errorf("gdg: fetch %s: %w", feed.URL, err)
	}
	m := gdgChapterID.FindSubmatch(page)
	if m == nil {
		appLog.Warn("gdg: no chapter_id in page", "url", feed.URL, "feed", feed.Name)
		return nil, nil
	}
	api := fmt.Sprintf("%s/api/event_slim/for_chapter/%s?status=Live&include_cohosted_events=true&visible_on_parent_chapter_only=true&order=start_date&fields=%s",
		strings.TrimRight(a.deps.GDGAPIBase, "/"), m[1], gdgFields)
	body, err := a.http.get(ctx, api, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return nil, fmt.Errorf("gdg: fetch chapter %s: %w", m[1], err)
	}
	var resp struct {
		Count   int        `json:"count"`
		Results []gdgEvent `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("gdg: decode chapter %s: %w", m[1], err)
	}

	events := make([]*model.Event, 0, len(resp.Results))
	for _, g := range resp.Results {
		events = append(events, a.deps.Engine.New(a.toRaw(g, feed)))
	}
	appLog.Info("gdg: extracted events", "url", feed.URL, "chapter_id", string(m[1]), "count", len(events))
	return events, nil
}

func (a *GDG) toRaw(g gdgEvent, feed model.Feed) model.RawEvent {
	raw := model.RawEvent{
		Summary:     g.Title,
		Description: g.Description,
		URL:         g.URL,
		Organizer:   g.ChapterTitle,
		SourceURL:   feed.URL,
		FeedName:    feed.Name,
		Tags:        g.Tags,
		CountryCode: a.deps.Engine.Country().Code,
	}
	if g.AudienceType == "IN_PERSON" || g.AudienceType == "HYBRID" {
		raw.Location = joinNonEmpty(g.VenueName, g.VenueAddress, g.VenueCity)
	}
	if raw.Location == "" && (g.AudienceType == "VIRTUAL" || g.AudienceType == "HYBRID") {
		raw.Location = normalize.OnlineTail
	}
	if t, err := model.ParseTimestamp(g.Start); err == nil {
		raw.Start = t
	}
	if t, err := model.ParseTimestamp(g.End); err == nil {
		raw.End = t
	}
	return raw
}
