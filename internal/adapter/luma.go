package adapter

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

var (
	lumaCalendarID = regexp.MustCompile(`app-argument=luma://calendar/(cal-[a-zA-Z0-9]+)`)
	lumaMapsVenue  = regexp.MustCompile(`href="https://www\.google\.com/maps/search/\?api=1&(?:amp;)?query=([^"&]+)`)
	leadingCoords  = regexp.MustCompile(`^-?\d+\.\d+,\s*-?\d+\.\d+,?\s*`)
)

// Luma accepts either a calendar page or its ICS API URL. Page URLs are
// converted once and remembered in the URL cache.
type Luma struct {
	ics    *ICS
	enrich *enricher
}

func NewLuma(d Deps) *Luma {
	ics := NewICS(d)
	return &Luma{ics: ics, enrich: newEnricher(ics.deps, ics.http, KeyLuma)}
}

func (a *Luma) Name() string { return KeyLuma }

func (a *Luma) Extract(ctx context.Context, feed model.Feed) ([]*model.Event, error) {
	feed.URL = a.icsURL(ctx, feed.URL)
	events, err := a.ics.Extract(ctx, feed)
	if err != nil {
		return nil, err
	}
	a.enrich.run(ctx, events, needsLumaVenue, a.applyPage)
	return events, nil
}

// icsURL converts a browsable calendar URL to the ICS API URL. On any failure
// the URL is returned unchanged.
func (a *Luma) icsURL(ctx context.Context, page string) string {
	if strings.Contains(page, "/ics/get") {
		return page
	}
	deps := a.ics.deps
	if u, ok := deps.URLs.FeedURL(page); ok {
		return u
	}
	body, err := a.ics.http.get(ctx, page, http.Header{"User-Agent": {pageUserAgent}})
	if err != nil {
		appLog.Warn("luma: calendar page fetch failed", "url", page, "error", err.Error())
		return page
	}
	m := lumaCalendarID.FindSubmatch(body)
	if m == nil {
		appLog.Warn("luma: no calendar id in page", "url", page)
		return page
	}
	ics := strings.TrimRight(deps.LumaICSBase, "/") + "/ics/get?entity=calendar&id=" + string(m[1])
	deps.URLs.SetFeedURL(page, ics)
	appLog.Info("luma: converted calendar url", "url", page, "ics", ics)
	return ics
}

func needsLumaVenue(e *model.Event) bool {
	if !strings.Contains(e.URL, "lu.ma") && !strings.Contains(e.URL, "luma.com") {
		return false
	}
	loc := strings.TrimSpace(e.Location)
	return loc == "" || strings.Contains(loc, "Check event page") || len(loc) < 15 || strings.HasPrefix(loc, "http")
}

type lumaGeo struct {
	FullAddress string `json:"full_address"`
	Address     string `json:"address"`
	Sublocality string `json:"sublocality"`
	City        string `json:"city"`
	CityState   string `json:"city_state"`
	Region      string `json:"region"`
	Country     string `json:"country"`
}

func (a *Luma) applyPage(e *model.Event, html string) bool {
	var page struct {
		Props struct {
			PageProps struct {
				InitialData struct {
					Data struct {
						Event *struct {
							Geo          *lumaGeo `json:"geo_address_info"`
							LocationType string   `json:"location_type"`
						} `json:"event"`
					} `json:"data"`
				} `json:"initialData"`
			} `json:"pageProps"`
		} `json:"props"`
	}
	if !nextData(html, &page) || page.Props.PageProps.InitialData.Data.Event == nil {
		return false
	}
	ev := page.Props.PageProps.InitialData.Data.Event
	if ev.LocationType == "online" {
		normalize.MarkOnline(e)
		return true
	}

	var parts []string
	if m := lumaMapsVenue.FindStringSubmatch(html); m != nil {
		if venue, err := url.QueryUnescape(m[1]); err == nil {
			venue = strings.TrimSpace(venue)
			if venue != "" && !strings.EqualFold(venue, "google maps") {
				parts = append(parts, venue)
			}
		}
	}
	if g := ev.Geo; g != nil {
		if g.FullAddress != "" {
			parts = append(parts, g.FullAddress)
		} else {
			parts = append(parts, g.Address, g.Sublocality, firstNonBlank(g.City, g.CityState))
			if g.Region != g.City {
				parts = append(parts, g.Region)
			}
			parts = append(parts, g.Country)
		}
	}
	loc := leadingCoords.ReplaceAllString(joinNonEmpty(parts...), "")
	if len(loc) <= 5 {
		return false
	}
	a.ics.deps.Engine.Relocate(e, loc)
	return true
}
