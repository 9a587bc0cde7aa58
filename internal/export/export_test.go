package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"techcal/internal/model"
	"techcal/internal/normalize"
	"techcal/internal/refdata"
	"techcal/internal/urlcache"
)

func testEngine(t *testing.T) *normalize.Engine {
	t.Helper()
	en, err := normalize.NewEngine(refdata.MustDefault(), "MX")
	if err != nil {
		t.Fatal(err)
	}
	return en
}

func sampleEvents(en *normalize.Engine) []*model.Event {
	start := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	return []*model.Event{
		en.New(model.RawEvent{
			Summary:   "Python Night",
			URL:       "https://www.meetup.com/python-cdmx/events/1/",
			Location:  "Av. Reforma 123, CDMX",
			Start:     start,
			End:       start.Add(2 * time.Hour),
			FeedName:  "Python CDMX",
			Tags:      []string{"python", "ai"},
			SourceURL: "https://www.meetup.com/python-cdmx/events/ical/",
		}),
		en.New(model.RawEvent{Summary: "Someday", FeedName: "Rust MX"}),
	}
}

func TestBuildICS(t *testing.T) {
	en := testEngine(t)
	events := sampleEvents(en)
	opts := DefaultCalendarOptions("México")
	opts.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	body, skipped := BuildICS(en, events, opts)
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
	if n := strings.Count(body, "BEGIN:VEVENT"); n != 1 {
		t.Fatalf("VEVENT count = %d", n)
	}
	for _, want := range []string{
		"PRODID:" + ProdID,
		"X-WR-CALNAME:",
		"X-CRONQUILES-STATE-CODE:MX-CMX",
		"X-CRONQUILES-COUNTRY-CODE:MX",
		"UID:" + EventUID(events[0].HashKey),
		"CATEGORIES:ai\\,python",
		"DTSTART:20260310T180000Z",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("calendar missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "Someday") {
		t.Error("undated event must not be exported")
	}
}

func TestWriteCalendar(t *testing.T) {
	en := testEngine(t)
	body, _ := BuildICS(en, sampleEvents(en), DefaultCalendarOptions("México"))

	path := filepath.Join(t.TempDir(), "nested", "cal.ics")
	if err := WriteCalendar(path, body); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != body {
		t.Fatal("written calendar differs from the built body")
	}
}

func TestEventUIDStable(t *testing.T) {
	a := EventUID("python night_2026-03-10T18")
	if a != EventUID("python night_2026-03-10T18") {
		t.Fatal("uid not deterministic")
	}
	if a == EventUID("python night_2026-03-10T20") {
		t.Fatal("different keys share a uid")
	}
	if !strings.HasSuffix(a, "@"+uidDomain) {
		t.Fatalf("uid = %q", a)
	}
}

func TestEscapeText(t *testing.T) {
	got := escapeText("a,b;c\\d\ne")
	if want := `a\,b\;c\\d\ne`; got != want {
		t.Fatalf("escapeText = %q, want %q", got, want)
	}
}

func TestCommunityURL(t *testing.T) {
	cases := map[string]string{
		"https://www.meetup.com/python-mexico/events/ical/":        "https://www.meetup.com/python-mexico",
		"https://www.meetup.com/python-mexico/events/":             "https://www.meetup.com/python-mexico",
		"https://api2.luma.com/ics/get?entity=calendar&id=cal-abc": "https://lu.ma/cal-abc",
		"https://lu.ma/gophers":                                    "https://lu.ma/gophers",
		"":                                                         "",
	}
	for in, want := range cases {
		if got := CommunityURL(in); got != want {
			t.Errorf("CommunityURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCommunities(t *testing.T) {
	urls, err := urlcache.Open("", "")
	if err != nil {
		t.Fatal(err)
	}
	urls.SetCommunityURL("https://api2.luma.com/ics/get?entity=calendar&id=cal-xyz", "https://lu.ma/gophers-mx")

	feeds := []model.Feed{
		{URL: "https://www.meetup.com/python-mexico/events/ical/", Name: "Python MX", Description: "Comunidad"},
		{URL: "https://www.meetup.com/python-mexico/events/", Name: "Python MX"},
		{URL: "https://www.eventbrite.com.mx/o/python-mx-1", Name: "Python MX", CommunityURL: "https://python.mx"},
		{URL: "https://api2.luma.com/ics/get?entity=calendar&id=cal-xyz", Name: "Gophers"},
		{URL: "https://api2.luma.com/ics/get?entity=calendar&id=cal-raw", Name: "Raw"},
		{URL: "https://example.com/feed.ics"},
	}
	got := Communities(feeds, urls)
	if len(got) != 3 {
		t.Fatalf("communities = %+v", got)
	}

	py := got[0]
	if py.Name != "Python MX" || py.Description != "Comunidad" || len(py.Links) != 2 {
		t.Fatalf("python = %+v", py)
	}
	if py.Links[0].Label != "Meetup" || py.Links[1].URL != "https://python.mx" || py.Links[1].Label != "Sitio web" {
		t.Fatalf("python links = %+v", py.Links)
	}
	if l := got[1].Links; len(l) != 1 || l[0].URL != "https://lu.ma/gophers-mx" || l[0].Platform != normalize.PlatformLuma {
		t.Fatalf("gophers links = %+v", l)
	}
	if l := got[2].Links; len(l) != 0 {
		t.Fatalf("calendar-id luma link should be skipped, got %+v", l)
	}
	if v, ok := urls.CommunityURL("https://www.eventbrite.com.mx/o/python-mx-1"); !ok || v != "https://python.mx" {
		t.Fatalf("configured community url not cached: %q %v", v, ok)
	}
}

func TestCommunitiesUsesCachedLandingPage(t *testing.T) {
	urls, err := urlcache.Open("", "")
	if err != nil {
		t.Fatal(err)
	}
	feed := "https://www.eventbrite.com.mx/o/rust-mx-2"
	Communities([]model.Feed{{URL: feed, Name: "Rust MX", CommunityURL: "https://rust.mx"}}, urls)

	got := Communities([]model.Feed{{URL: feed, Name: "Rust MX"}}, urls)
	if len(got) != 1 || len(got[0].Links) != 1 || got[0].Links[0].URL != "https://rust.mx" {
		t.Fatalf("communities = %+v", got)
	}
}

func TestWriteJSON(t *testing.T) {
	en := testEngine(t)
	events := sampleEvents(en)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := BuildDocument(en, events, []model.Feed{{URL: "https://lu.ma/gophers", Name: "Gophers"}}, nil, now)

	path := filepath.Join(t.TempDir(), "out", "events.json")
	if err := WriteJSON(path, doc); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back struct {
		GeneratedAt string           `json:"generated_at"`
		TotalEvents int              `json:"total_events"`
		Events      []map[string]any `json:"events"`
		Communities []Community      `json:"communities"`
	}
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.GeneratedAt != "2026-01-02T03:04:05Z" || back.TotalEvents != 2 || len(back.Events) != 2 {
		t.Fatalf("doc = %+v", back)
	}
	if back.Events[1]["dtstart"] != nil {
		t.Fatalf("undated event dtstart = %v", back.Events[1]["dtstart"])
	}
	if len(back.Communities) != 1 || back.Communities[0].Links[0].URL != "https://lu.ma/gophers" {
		t.Fatalf("communities = %+v", back.Communities)
	}
}

func TestWriteStateCalendars(t *testing.T) {
	en := testEngine(t)
	start := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	events := append(sampleEvents(en), en.New(model.RawEvent{Summary: "Rust Online", Start: start, FeedName: "Rust MX"}))

	groups := GroupByState(events)
	if len(groups["MX-CMX"]) != 1 || len(groups[OnlineGroup]) != 2 {
		t.Fatalf("groups = %v", groups)
	}

	dir := t.TempDir()
	n, err := WriteStateCalendars(dir, en, events, DefaultCalendarOptions("México"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("files = %d", n)
	}
	b, err := os.ReadFile(filepath.Join(dir, "cronquiles-mx-cmx.ics"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "Ciudad de México") {
		t.Fatalf("state calendar not named after the state:\n%s", b)
	}
	if _, err := os.Stat(filepath.Join(dir, "cronquiles-online.ics")); err != nil {
		t.Fatal(err)
	}
}
