package export

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"techcal/internal/fileio"
	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
	"techcal/internal/urlcache"
)

type CommunityLink struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
	Label    string `json:"label"`
}

type Community struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Links       []CommunityLink `json:"links"`
}

// Document is the JSON output file.
type Document struct {
	GeneratedAt string         `json:"generated_at"`
	TotalEvents int            `json:"total_events"`
	Communities []Community    `json:"communities"`
	Events      []model.Record `json:"events"`
}

var communityLabels = map[string]string{
	normalize.PlatformMeetup:     "Meetup",
	normalize.PlatformLuma:       "Luma",
	normalize.PlatformEventbrite: "Eventbrite",
	normalize.PlatformWebsite:    "Sitio web",
}

// CommunityLabel is the display label of a community link.
func CommunityLabel(platform string) string {
	if l, ok := communityLabels[platform]; ok {
		return l
	}
	return communityLabels[normalize.PlatformWebsite]
}

var meetupFeedPath = regexp.MustCompile(`^/([^/]+)/events/?(?:ical/?)?$`)

// CommunityURL turns a feed URL into the page a person would browse.
func CommunityURL(feedURL string) string {
	if feedURL == "" {
		return ""
	}
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL
	}
	host := strings.ToLower(u.Host)
	switch {
	case strings.Contains(host, "meetup.com"):
		if m := meetupFeedPath.FindStringSubmatch(u.Path); m != nil {
			return "https://www.meetup.com/" + m[1]
		}
		return "https://www.meetup.com" + strings.TrimSuffix(strings.TrimSuffix(u.Path, "/ical"), "/events")
	case strings.Contains(host, "api2.luma.com"):
		if id := u.Query().Get("id"); id != "" {
			return "https://lu.ma/" + id
		}
	}
	return feedURL
}

// Communities groups configured feeds by name and collects one browsable link
// per distinct URL. Explicit community URLs win over cached vanity URLs, which
// win over URLs derived from the feed.
func Communities(feeds []model.Feed, urls *urlcache.Cache) []Community {
	var out []Community
	index := map[string]int{}
	for _, f := range feeds {
		if f.Name == "" {
			continue
		}
		i, ok := index[f.Name]
		if !ok {
			i = len(out)
			index[f.Name] = i
			out = append(out, Community{Name: f.Name, Description: f.Description, Links: []CommunityLink{}})
		}
		if f.URL == "" {
			continue
		}

		link := f.CommunityURL
		if link != "" {
			urls.SetCommunityURL(f.URL, link)
		} else {
			if v, ok := urls.CommunityURL(f.URL); ok {
				link = v
			} else {
				link = CommunityURL(f.URL)
			}
		}
		platformSrc := f.URL
		if f.CommunityURL != "" {
			platformSrc = f.CommunityURL
		}
		platform := normalize.DetectPlatform(platformSrc)
		// Calendar-id links are not landing pages.
		if platform == normalize.PlatformLuma && strings.Contains(link, "/cal-") {
			continue
		}
		if link == "" || hasLink(out[i].Links, link) {
			continue
		}
		out[i].Links = append(out[i].Links, CommunityLink{Platform: platform, URL: link, Label: CommunityLabel(platform)})
	}
	return out
}

func hasLink(links []CommunityLink, u string) bool {
	for _, l := range links {
		if l.URL == u {
			return true
		}
	}
	return false
}

// BuildDocument assembles the JSON output.
func BuildDocument(en *normalize.Engine, events []*model.Event, feeds []model.Feed, urls *urlcache.Cache, now time.Time) Document {
	records := make([]model.Record, 0, len(events))
	for _, e := range events {
		records = append(records, en.ToRecord(e))
	}
	return Document{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		TotalEvents: len(events),
		Communities: Communities(feeds, urls),
		Events:      records,
	}
}

// WriteJSON writes doc to path atomically.
func WriteJSON(path string, doc Document) error {
	if err := fileio.WriteJSON(path, doc); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	appLog.Info("export: wrote json", "path", path, "events", doc.TotalEvents, "communities", len(doc.Communities))
	return nil
}
