package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"techcal/internal/model"
	"techcal/internal/normalize"
	"techcal/internal/refdata"
)

type fakeBackend struct {
	calls   []string
	answers map[string]string
	// failures makes the first n calls return a transport error.
	failures int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Geocode(_ context.Context, query string) (json.RawMessage, error) {
	f.calls = append(f.calls, query)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	if a, ok := f.answers[query]; ok {
		return json.RawMessage(a), nil
	}
	return nil, ErrNoMatch
}

func testEngine(t *testing.T) *normalize.Engine {
	t.Helper()
	en, err := normalize.NewEngine(refdata.MustDefault(), "MX")
	if err != nil {
		t.Fatal(err)
	}
	return en
}

const nominatimMonterrey = `{"display_name":"Parque Fundidora, Monterrey, Nuevo León, México","address":{"city":"Monterrey","state":"Nuevo León","country":"México","country_code":"mx"}}`

const googleCDMX = `{"formatted_address":"Av. Paseo de la Reforma 222, Juárez, Ciudad de México, CDMX, México","address_components":[
 {"long_name":"Juárez","short_name":"Juárez","types":["neighborhood","political"]},
 {"long_name":"Ciudad de México","short_name":"CDMX","types":["administrative_area_level_1","political"]},
 {"long_name":"Ciudad de México","short_name":"Ciudad de México","types":["locality","political"]},
 {"long_name":"México","short_name":"MX","types":["country","political"]}]}`

func TestCachedFailureSkipsNetwork(t *testing.T) {
	en := testEngine(t)
	backend := &fakeBackend{}
	cache := NewMemoryCache()
	cache.Store("Calle Falsa 123, Springfield", nil)
	r := NewResolver(en, cache, backend, Options{Retries: 3})

	e := &model.Event{Location: "Calle Falsa 123, Springfield"}
	ok, network := r.Resolve(context.Background(), e)
	if ok || network {
		t.Fatalf("ok=%v network=%v, want false/false", ok, network)
	}
	if len(backend.calls) != 0 {
		t.Fatalf("backend called: %v", backend.calls)
	}
	if e.State != "" || e.City != "" || e.Country != "" {
		t.Fatalf("fields changed: %+v", e)
	}
}

func TestNominatimHTTP(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Query().Get("addressdetails") != "1" || r.Header.Get("User-Agent") == "" {
			t.Errorf("unexpected request: %s %v", r.URL, r.Header)
		}
		if r.URL.Query().Get("q") != "Parque Fundidora, Monterrey" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[` + nominatimMonterrey + `]`))
	}))
	defer srv.Close()

	en := testEngine(t)
	nom := NewNominatim(5 * time.Second)
	nom.BaseURL = srv.URL
	cache, err := OpenCache(filepath.Join(t.TempDir(), "geocode.json"))
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(en, cache, NewBreaker(nom, time.Minute), Options{Retries: 2, Backoff: time.Millisecond})

	e := &model.Event{Location: "Parque Fundidora, Monterrey"}
	ok, network := r.Resolve(context.Background(), e)
	if !ok || !network {
		t.Fatalf("ok=%v network=%v", ok, network)
	}
	if e.StateCode != "MX-NLE" || e.Country != "México" || e.City != "Monterrey" || e.CityCode != "monterrey" {
		t.Fatalf("resolved fields = %+v", e)
	}
	if e.Address != "Parque Fundidora, Monterrey, Nuevo León, México" {
		t.Errorf("address = %q", e.Address)
	}

	again := &model.Event{Location: "Parque Fundidora, Monterrey"}
	ok, network = r.Resolve(context.Background(), again)
	if !ok || network || hits != 1 {
		t.Fatalf("second resolve ok=%v network=%v hits=%d", ok, network, hits)
	}

	if err := cache.Save(); err != nil {
		t.Fatal(err)
	}
	reopened, err := OpenCache(cache.path)
	if err != nil || reopened.Len() != 1 {
		t.Fatalf("reopened len=%d err=%v", reopened.Len(), err)
	}
}

func TestGoogleComponentsStandardized(t *testing.T) {
	en := testEngine(t)
	backend := &fakeBackend{answers: map[string]string{"Torre Reforma, Paseo de la Reforma 222": googleCDMX}}
	r := NewResolver(en, nil, backend, Options{})

	e := &model.Event{Location: "Torre Reforma, Paseo de la Reforma 222"}
	if ok, _ := r.Resolve(context.Background(), e); !ok {
		t.Fatal("expected success")
	}
	if e.StateCode != "MX-CMX" || e.State != "Ciudad de México" {
		t.Errorf("state = %q/%q", e.StateCode, e.State)
	}
	if e.CityCode != "cdmx" || e.City != "Ciudad de México" {
		t.Errorf("city = %q/%q", e.City, e.CityCode)
	}
	if e.Address == e.Location {
		t.Errorf("address should come from formatted_address")
	}
}

func TestNominatimKeepsKnownFields(t *testing.T) {
	en := testEngine(t)
	backend := &fakeBackend{answers: map[string]string{
		"Foro Cultural, Cuauhtémoc": `{"address":{"city":"Cuauhtémoc","country":"México","country_code":"mx"}}`,
	}}
	r := NewResolver(en, NewMemoryCache(), backend, Options{})

	e := &model.Event{
		Location:    "Foro Cultural, Cuauhtémoc",
		Country:     "México",
		CountryCode: "MX",
		State:       "Ciudad de México",
		StateCode:   "MX-CMX",
	}
	ok, _ := r.Resolve(context.Background(), e)
	if !ok {
		t.Fatal("expected the city-only answer to apply")
	}
	if e.StateCode != "MX-CMX" || e.State != "Ciudad de México" || e.CountryCode != "MX" {
		t.Fatalf("known fields lost: %+v", e)
	}
	if e.City != "Cuauhtémoc" {
		t.Errorf("city = %q", e.City)
	}
}

func TestProgressiveFallback(t *testing.T) {
	en := testEngine(t)
	backend := &fakeBackend{answers: map[string]string{
		"Guadalajara, Jalisco": `{"display_name":"Guadalajara, Jalisco, México","address":{"city":"Guadalajara","state":"Jalisco","country_code":"mx"}}`,
	}}
	cache := NewMemoryCache()
	r := NewResolver(en, cache, backend, Options{})

	e := &model.Event{Location: "Hosted by Foo Labs, Salón 3, Guadalajara, Jalisco, https://foo.example"}
	ok, network := r.Resolve(context.Background(), e)
	if !ok || !network {
		t.Fatalf("ok=%v network=%v", ok, network)
	}
	want := []string{
		"Foo Labs, Salón 3, Guadalajara, Jalisco",
		"Salón 3, Guadalajara, Jalisco",
		"Guadalajara, Jalisco",
	}
	if len(backend.calls) != len(want) {
		t.Fatalf("calls = %v", backend.calls)
	}
	for i, q := range want {
		if backend.calls[i] != q {
			t.Errorf("call %d = %q, want %q", i, backend.calls[i], q)
		}
		raw, cached := cache.Lookup(q)
		if !cached {
			t.Errorf("query %q not cached", q)
		}
		if (i < 2) != IsEmpty(raw) {
			t.Errorf("query %q cached as %s", q, raw)
		}
	}
	if e.StateCode != "MX-JAL" {
		t.Errorf("state code = %q", e.StateCode)
	}
}

func TestRetriesTransientErrors(t *testing.T) {
	en := testEngine(t)
	backend := &fakeBackend{failures: 2, answers: map[string]string{"Parque Fundidora, Monterrey": nominatimMonterrey}}
	r := NewResolver(en, nil, backend, Options{Retries: 3, Backoff: time.Millisecond})

	e := &model.Event{Location: "Parque Fundidora, Monterrey"}
	if ok, _ := r.Resolve(context.Background(), e); !ok {
		t.Fatalf("expected success after retries, calls=%v", backend.calls)
	}
	if len(backend.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(backend.calls))
	}
}

func TestSkipsOnlineAndShortLocations(t *testing.T) {
	en := testEngine(t)
	backend := &fakeBackend{}
	r := NewResolver(en, nil, backend, Options{})
	for _, e := range []*model.Event{
		{Location: "Zoom"},
		{Location: "CDMX"},
		{Location: "Av. Reforma 123, CDMX", ForcedOnline: true},
	} {
		if ok, network := r.Resolve(context.Background(), e); ok || network {
			t.Errorf("Resolve(%q) ok=%v network=%v", e.Location, ok, network)
		}
	}
	if len(backend.calls) != 0 {
		t.Fatalf("backend called: %v", backend.calls)
	}
}

func TestGoogleHTTPStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("missing key: %s", r.URL)
		}
		switch r.URL.Query().Get("address") {
		case "nowhere":
			_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
		case "denied":
			_, _ = w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"bad key","results":[]}`))
		default:
			_, _ = w.Write([]byte(`{"status":"OK","results":[` + googleCDMX + `]}`))
		}
	}))
	defer srv.Close()

	g := NewGoogle("k", 5*time.Second)
	g.BaseURL = srv.URL
	ctx := context.Background()

	if _, err := g.Geocode(ctx, "nowhere"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("ZERO_RESULTS err = %v", err)
	}
	if _, err := g.Geocode(ctx, "denied"); err == nil || errors.Is(err, ErrNoMatch) {
		t.Errorf("REQUEST_DENIED err = %v", err)
	}
	raw, err := g.Geocode(ctx, "reforma")
	if err != nil || IsEmpty(raw) {
		t.Fatalf("OK raw=%s err=%v", raw, err)
	}
}
