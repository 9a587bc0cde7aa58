package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

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

func testDeps(t *testing.T) Deps {
	return Deps{
		Engine:        testEngine(t),
		Timeout:       5 * time.Second,
		Retries:       1,
		EnrichRetries: 1,
		EnrichBackoff: time.Millisecond,
		Now:           func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.TrimLeft(s, "\n"), "\n", "\r\n")
}

// fakePages serves canned HTML per URL.
type fakePages map[string]string

func (f fakePages) FetchPage(_ context.Context, u string) (string, error) {
	if html, ok := f[u]; ok {
		return html, nil
	}
	return "", errors.New("not found")
}

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"https://www.eventbrite.com.mx/o/python-cdmx-123":                        KeyEventbrite,
		"https://lu.ma/gophers":                                                  KeyLuma,
		"https://luma.com/calendar":                                              KeyLuma,
		"https://api2.luma.com/ics/get?entity=calendar&id=cal-1":                 KeyLuma,
		"https://www.meetup.com/python-mexico/events/ical/":                      KeyMeetup,
		"https://reuniones.pythonistas-gdl.org/events/1/pythonistas-gdl":         KeyHiEvents,
		"https://app.hi.events/events/9/foo":                                     KeyHiEvents,
		"https://gdg.community.dev/gdg-cloud-mexico-city/":                       KeyGDG,
		"https://calendar.google.com/calendar/ical/abc%40group/public/basic.ics": KeyICS,
	}
	for u, want := range cases {
		if got := Classify(u); got != want {
			t.Errorf("Classify(%q) = %q, want %q", u, got, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testDeps(t))
	a, err := r.ForURL("https://www.meetup.com/x/events/ical/")
	if err != nil || a.Name() != KeyMeetup {
		t.Fatalf("ForURL = %v, %v", a, err)
	}
	b, _ := r.ForURL("https://www.meetup.com/y/events/ical/")
	if a == b {
		t.Fatal("registry must return a fresh adapter per call")
	}
	if _, err := r.New("myspace"); !errors.Is(err, ErrUnknownAdapter) {
		t.Fatalf("New(unknown) err = %v", err)
	}
}

const gophersICS = `
BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
X-WR-CALNAME:Gophers MX
BEGIN:VEVENT
UID:one@test
SUMMARY:Go Night
DTSTART:20260110T180000Z
DTEND:20260110T200000Z
LOCATION:Av. Reforma 123, CDMX
URL:https://www.meetup.com/gophers-mx/events/1/
END:VEVENT
BEGIN:VEVENT
UID:two@test
SUMMARY:Cancelled Talk
STATUS:CANCELLED
DTSTART:20260111T180000Z
END:VEVENT
BEGIN:VEVENT
UID:weekly@test
SUMMARY:Study Group
DTSTART:20260105T190000Z
DTEND:20260105T200000Z
RRULE:FREQ=WEEKLY;COUNT=3
EXDATE:20260112T190000Z
LOCATION:Online
END:VEVENT
END:VCALENDAR
`

func TestICSExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != feedUserAgent {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(crlf(gophersICS)))
	}))
	defer srv.Close()

	events, err := NewICS(testDeps(t)).Extract(context.Background(), model.Feed{URL: srv.URL + "/cal.ics"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (1 single + 2 recurring)", len(events))
	}
	starts := map[string]bool{}
	for _, e := range events {
		if e.FeedName != "Gophers MX" {
			t.Errorf("feed name = %q, want X-WR-CALNAME", e.FeedName)
		}
		if e.SourceURL != srv.URL+"/cal.ics" {
			t.Errorf("source url = %q", e.SourceURL)
		}
		if e.Summary == "Cancelled Talk" {
			t.Error("cancelled event was kept")
		}
		starts[e.Start.UTC().Format(time.RFC3339)] = true
	}
	for _, want := range []string{"2026-01-10T18:00:00Z", "2026-01-05T19:00:00Z", "2026-01-19T19:00:00Z"} {
		if !starts[want] {
			t.Errorf("missing start %s in %v", want, starts)
		}
	}
	if starts["2026-01-12T19:00:00Z"] {
		t.Error("EXDATE instance was emitted")
	}
}

func TestICSConditionalGet(t *testing.T) {
	var hits, notModified int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&notModified, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(crlf(gophersICS)))
	}))
	defer srv.Close()

	d := testDeps(t)
	d.CacheDir = t.TempDir()
	feed := model.Feed{URL: srv.URL + "/cal.ics", Name: "Gophers"}
	for i := 0; i < 2; i++ {
		events, err := NewICS(d).Extract(context.Background(), feed)
		if err != nil || len(events) != 3 {
			t.Fatalf("run %d: %d events, err %v", i, len(events), err)
		}
	}
	if hits != 2 || notModified != 1 {
		t.Fatalf("hits=%d notModified=%d", hits, notModified)
	}
}

func TestICSFetchErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewICS(testDeps(t)).Extract(context.Background(), model.Feed{URL: srv.URL})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("err = %v", err)
	}
}

const meetupICS = `
BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:m1@test
SUMMARY:Go Night
DTSTART:20260110T180000Z
LOCATION:CDMX
URL:https://www.meetup.com/gophers-mx/events/1/
END:VEVENT
BEGIN:VEVENT
UID:m2@test
SUMMARY:Remote Talk
DTSTART:20260117T180000Z
URL:https://www.meetup.com/gophers-mx/events/2/
END:VEVENT
END:VCALENDAR
`

func TestMeetupEnrichment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(crlf(meetupICS)))
	}))
	defer srv.Close()

	d := testDeps(t)
	d.Pages = fakePages{
		"https://www.meetup.com/gophers-mx/events/1/": `<html><script type="application/ld+json">{"@type":"Event","name":"Go Night","location":{"@type":"Place","name":"WeWork Reforma","address":{"@type":"PostalAddress","streetAddress":"Paseo de la Reforma 222","addressLocality":"Ciudad de México"}}}</script></html>`,
		"https://www.meetup.com/gophers-mx/events/2/": `<script type="application/ld+json">[{"@type":"Event","location":{"@type":"VirtualLocation","url":"https://zoom.us/j/1"}}]</script>`,
	}
	events, err := NewMeetup(d).Extract(context.Background(), model.Feed{URL: srv.URL, Name: "Gophers MX"})
	if err != nil || len(events) != 2 {
		t.Fatalf("events=%d err=%v", len(events), err)
	}
	byURL := map[string]*model.Event{}
	for _, e := range events {
		byURL[e.URL] = e
	}

	venue := byURL["https://www.meetup.com/gophers-mx/events/1/"]
	if venue.Location != "WeWork Reforma, Paseo de la Reforma 222, Ciudad de México" {
		t.Errorf("location = %q", venue.Location)
	}
	if venue.StateCode != "MX-CMX" {
		t.Errorf("state code = %q", venue.StateCode)
	}

	remote := byURL["https://www.meetup.com/gophers-mx/events/2/"]
	if !remote.ForcedOnline || remote.Location != "Online" {
		t.Errorf("virtual location not applied: %+v", remote)
	}
}

func TestMeetupSkipEnrich(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(crlf(meetupICS)))
	}))
	defer srv.Close()

	d := testDeps(t)
	d.SkipEnrich = true
	d.Pages = fakePages{}
	events, err := NewMeetup(d).Extract(context.Background(), model.Feed{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if e.ForcedOnline {
			t.Errorf("event enriched despite SkipEnrich: %+v", e)
		}
	}
}

func TestLumaConvertsAndEnriches(t *testing.T) {
	var pageHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gophers", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pageHits, 1)
		_, _ = w.Write([]byte(`<meta name="apple-itunes-app" content="app-id=1, app-argument=luma://calendar/cal-AbC123">`))
	})
	mux.HandleFunc("/ics/get", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "cal-AbC123" {
			t.Errorf("calendar id = %q", r.URL.Query().Get("id"))
		}
		_, _ = w.Write([]byte(crlf(`
BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:l1@test
SUMMARY:Gophers Social
DTSTART:20260120T010000Z
LOCATION:Check event page for more details
URL:https://lu.ma/social
END:VEVENT
END:VCALENDAR
`)))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	urls, _ := urlcache.Open("", "")
	d := testDeps(t)
	d.URLs = urls
	d.LumaICSBase = srv.URL
	d.Pages = fakePages{
		"https://lu.ma/social": `<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"initialData":{"data":{"event":{"location_type":"offline","geo_address_info":{"full_address":"19.4326,-99.1332, Av. Juárez 10, Centro, Ciudad de México"}}}}}}}</script>`,
	}

	feed := model.Feed{URL: srv.URL + "/gophers", Name: "Gophers"}
	events, err := NewLuma(d).Extract(context.Background(), feed)
	if err != nil || len(events) != 1 {
		t.Fatalf("events=%d err=%v", len(events), err)
	}
	e := events[0]
	if e.Location != "Av. Juárez 10, Centro, Ciudad de México" {
		t.Errorf("location = %q", e.Location)
	}
	if e.StateCode != "MX-CMX" {
		t.Errorf("state code = %q", e.StateCode)
	}
	want := srv.URL + "/ics/get?entity=calendar&id=cal-AbC123"
	if u, ok := urls.FeedURL(feed.URL); !ok || u != want {
		t.Errorf("cached conversion = %q, %v", u, ok)
	}

	// The second run uses the cached conversion.
	if _, err := NewLuma(d).Extract(context.Background(), feed); err != nil {
		t.Fatal(err)
	}
	if pageHits != 1 {
		t.Errorf("calendar page fetched %d times, want 1", pageHits)
	}
}

func TestLumaOnlineEvent(t *testing.T) {
	d := testDeps(t)
	a := NewLuma(d)
	e := &model.Event{URL: "https://lu.ma/x", Location: "https://lu.ma/x"}
	html := `<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"initialData":{"data":{"event":{"location_type":"online"}}}}}}</script>`
	if !a.applyPage(e, html) || !e.ForcedOnline || e.Location != "Online" {
		t.Fatalf("online not applied: %+v", e)
	}
}

func TestLumaMapsVenue(t *testing.T) {
	a := NewLuma(testDeps(t))
	e := &model.Event{URL: "https://lu.ma/x"}
	html := `<a href="https://www.google.com/maps/search/?api=1&amp;query=Pinterest%20M%C3%A9xico">map</a>` +
		`<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"initialData":{"data":{"event":{"geo_address_info":{"address":"Av. Insurgentes 100","city":"Ciudad de México","region":"Ciudad de México","country":"México"}}}}}}}</script>`
	if !a.applyPage(e, html) {
		t.Fatal("expected enrichment")
	}
	if e.Location != "Pinterest México, Av. Insurgentes 100, Ciudad de México, México" {
		t.Errorf("location = %q", e.Location)
	}
}

func TestEventbriteFiltersToTarget(t *testing.T) {
	page := `<html>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"ItemList","itemListElement":[
 {"@type":"ListItem","position":1,"item":{"@type":"Event","name":"Python CDMX Meetup","url":"https://www.eventbrite.com.mx/e/1","startDate":"2026-02-01T18:00:00-06:00","location":{"@type":"Place","name":"Impact Hub","address":{"streetAddress":"Av. Álvaro Obregón 168","addressLocality":"Ciudad de México","addressCountry":"MX"}}}},
 {"@type":"ListItem","position":2,"item":{"@type":"Event","name":"Austin Meetup","url":"https://www.eventbrite.com/e/2","startDate":"2026-02-02T18:00:00-06:00","location":{"@type":"Place","name":"Capital Factory","address":{"addressLocality":"Austin","addressCountry":"US"}}}},
 {"@type":"ListItem","position":3,"item":{"@type":"EducationEvent","name":"Webinar","url":"https://www.eventbrite.com/e/3","startDate":"2026-02-03T18:00:00Z","eventAttendanceMode":"https://schema.org/OnlineEventAttendanceMode"}}
]}</script>
<script type="application/ld+json">not json</script>
</html>`
	d := testDeps(t)
	d.Pages = fakePages{"https://www.eventbrite.com.mx/o/python-cdmx": page}
	events, err := NewEventbrite(d).Extract(context.Background(), model.Feed{URL: "https://www.eventbrite.com.mx/o/python-cdmx", Name: "Python CDMX"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, e := range events {
		switch e.URL {
		case "https://www.eventbrite.com.mx/e/1":
			if e.CountryCode != "MX" || e.StateCode != "MX-CMX" {
				t.Errorf("mx event fields = %+v", e)
			}
			if e.Organizer != "Python CDMX" {
				t.Errorf("organizer = %q", e.Organizer)
			}
		case "https://www.eventbrite.com/e/3":
			if !e.ForcedOnline {
				t.Errorf("webinar should be online")
			}
		default:
			t.Errorf("unexpected event %s", e.URL)
		}
	}
}

func TestHiEventsAPIURL(t *testing.T) {
	cases := map[string]string{
		"https://reuniones.pythonistas-gdl.org/events/1/pythonistas-gdl":       "https://reuniones.pythonistas-gdl.org/api/public/organizers/1/events",
		"https://reuniones.pythonistas-gdl.org/api/public/organizers/1/events": "https://reuniones.pythonistas-gdl.org/api/public/organizers/1/events",
		"https://reuniones.pythonistas-gdl.org/":                               "https://reuniones.pythonistas-gdl.org/",
	}
	for in, want := range cases {
		if got := hiEventsAPI(in); got != want {
			t.Errorf("hiEventsAPI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHiEventsExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/public/organizers/1/events" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"data":[
{"id":7,"slug":"meetup-enero","title":"Meetup Enero","description":"Charlas","start_date":"2026-01-31T00:30:00.000000Z","end_date":"2026-01-31T03:00:00.000000Z",
 "settings":{"is_online_event":false,"location_details":{"venue_name":"Oficina X","address_line_1":"Av. Chapultepec 100","city":"Guadalajara","state_or_region":"Jalisco","country":"México"}},
 "organizer":{"name":"Pythonistas GDL"}},
{"id":8,"slug":"remoto","title":"Remoto","start_date":"2026-02-10T01:00:00Z","settings":{"is_online_event":true}}
]}`))
	}))
	defer srv.Close()

	feed := model.Feed{URL: srv.URL + "/events/1/pythonistas-gdl"}
	events, err := NewHiEvents(testDeps(t)).Extract(context.Background(), feed)
	if err != nil || len(events) != 2 {
		t.Fatalf("events=%d err=%v", len(events), err)
	}
	e := events[0]
	if e.URL != srv.URL+"/event/7/meetup-enero" {
		t.Errorf("url = %q", e.URL)
	}
	if e.StateCode != "MX-JAL" || e.Organizer != "Pythonistas GDL" {
		t.Errorf("fields = %q / %q", e.StateCode, e.Organizer)
	}
	if !e.Start.Equal(time.Date(2026, 1, 31, 0, 30, 0, 0, time.UTC)) {
		t.Errorf("start = %v", e.Start)
	}
	if !events[1].ForcedOnline {
		t.Errorf("online event not marked: %+v", events[1])
	}
}

func TestGDGExtract(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gdg-cloud-mexico-city/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<script>Globals.chapter_id = '123';</script>`))
	})
	mux.HandleFunc("/api/event_slim/for_chapter/123", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "Live" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"count":2,"results":[
{"title":"DevFest","start_date_iso":"2026-03-01T16:00:00Z","url":"https://gdg.community.dev/events/details/1/","audience_type":"IN_PERSON","venue_name":"Google","venue_address":"Montes Urales 445","venue_city":"Ciudad de México","chapter_title":"GDG Cloud Mexico City","tags":["cloud"]},
{"title":"Study Jam","start_date_iso":"2026-03-05T01:00:00Z","url":"https://gdg.community.dev/events/details/2/","audience_type":"VIRTUAL","chapter_title":"GDG Cloud Mexico City"}
]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := testDeps(t)
	d.GDGAPIBase = srv.URL
	events, err := NewGDG(d).Extract(context.Background(), model.Feed{URL: srv.URL + "/gdg-cloud-mexico-city/"})
	if err != nil || len(events) != 2 {
		t.Fatalf("events=%d err=%v", len(events), err)
	}
	if events[0].Location != "Google, Montes Urales 445, Ciudad de México" || events[0].StateCode != "MX-CMX" {
		t.Errorf("in-person event = %q / %q", events[0].Location, events[0].StateCode)
	}
	if events[0].Organizer != "GDG Cloud Mexico City" {
		t.Errorf("organizer = %q", events[0].Organizer)
	}
	if events[1].Location != "Online" || events[1].CountryCode != "MX" {
		t.Errorf("virtual event = %q / %q", events[1].Location, events[1].CountryCode)
	}
}

func TestGDGMissingChapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>nothing here</html>`))
	}))
	defer srv.Close()

	events, err := NewGDG(testDeps(t)).Extract(context.Background(), model.Feed{URL: srv.URL})
	if err != nil || len(events) != 0 {
		t.Fatalf("events=%d err=%v", len(events), err)
	}
}

func TestManual(t *testing.T) {
	start := "2026-04-01T18:00:00-06:00"
	a := NewManual(testEngine(t), []model.Record{
		{Title: "Go MX|Taller de Go|México|Ciudad de México", DTStart: &start, Location: "Av. Reforma 123, CDMX"},
		{Title: ""},
	})
	events, err := a.Extract(context.Background(), model.Feed{})
	if err != nil || len(events) != 1 {
		t.Fatalf("events=%d err=%v", len(events), err)
	}
	if events[0].Organizer != "Go MX" || events[0].StateCode != "MX-CMX" {
		t.Errorf("manual event = %+v", events[0])
	}
}
