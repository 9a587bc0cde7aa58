package normalize

import (
	"net/url"
	"regexp"
	"strings"

	"techcal/internal/model"
)

var hasDigit = regexp.MustCompile(`\d`)

// IsOnline decides whether e happens online. The checks run in order and the
// first decisive one wins:
//  1. the source forced the event online;
//  2. the description carries an in-person keyword;
//  3. an online keyword appears in location or description, unless the
//     location still looks like a street address;
//  4. a non-trivial location that is not a URL means physical;
//  5. otherwise online.
func (en *Engine) IsOnline(e *model.Event) bool {
	if e.ForcedOnline {
		return true
	}
	loc := strings.ToLower(strings.TrimSpace(e.Location))
	desc := strings.ToLower(e.Description)

	if _, ok := containsAnyKeyword(desc, en.ref.Keywords.InPerson); ok {
		return false
	}
	_, inLoc := containsAnyKeyword(loc, en.ref.Keywords.Online)
	_, inDesc := containsAnyKeyword(desc, en.ref.Keywords.Online)
	if inLoc || inDesc {
		return !en.looksPhysical(loc)
	}
	if loc != "" && !strings.HasPrefix(loc, "http") && len(loc) > 3 {
		return false
	}
	return true
}

// looksPhysical reports street-address markers in a lowercase location.
func (en *Engine) looksPhysical(loc string) bool {
	if loc == "" {
		return false
	}
	for _, m := range en.target.PhysicalMarkers {
		if strings.Contains(loc, m) {
			return true
		}
	}
	return hasDigit.MatchString(loc) && len(loc) > 10
}

// ExtractGroup infers the community name. Precedence: configured feed name,
// source organizer, a short or parenthesized first description line, the
// Meetup group slug of the event or source URL, then FallbackGroup.
func ExtractGroup(feedName, organizer, description, eventURL, sourceURL string) string {
	if s := strings.TrimSpace(feedName); s != "" {
		return s
	}
	if s := strings.TrimSpace(organizer); s != "" {
		return s
	}
	if description != "" {
		first := strings.TrimSpace(strings.SplitN(description, "\n", 2)[0])
		if strings.Contains(first, "(") && strings.Contains(first, ")") {
			if end := strings.Index(first, ")"); end > 0 {
				if g := strings.TrimSpace(first[:end+1]); len(g) > 3 {
					return g
				}
			}
		} else if first != "" && len(first) < 100 && !strings.HasPrefix(first, "http") && !strings.Contains(first, "/") {
			return first
		}
	}
	for _, u := range []string{eventURL, sourceURL} {
		if g := meetupGroup(u); g != "" {
			return g
		}
	}
	return FallbackGroup
}

func meetupGroup(raw string) string {
	if !strings.Contains(raw, "meetup.com") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			return titleCase(strings.ReplaceAll(seg, "-", " "))
		}
	}
	return ""
}

const (
	PlatformMeetup     = "meetup"
	PlatformLuma       = "luma"
	PlatformEventbrite = "eventbrite"
	PlatformWebsite    = "website"
)

// DetectPlatform names the event platform a URL belongs to.
func DetectPlatform(u string) string {
	l := strings.ToLower(u)
	switch {
	case strings.Contains(l, "meetup.com"):
		return PlatformMeetup
	case strings.Contains(l, "lu.ma") || strings.Contains(l, "luma.com"):
		return PlatformLuma
	case strings.Contains(l, "eventbrite"):
		return PlatformEventbrite
	default:
		return PlatformWebsite
	}
}

// PlatformLabel is the link text shown for a platform.
func PlatformLabel(platform string) string {
	switch platform {
	case PlatformMeetup:
		return "Ver en Meetup"
	case PlatformLuma:
		return "Ver en Luma"
	case PlatformEventbrite:
		return "Ver en Eventbrite"
	default:
		return "Ver sitio web"
	}
}
