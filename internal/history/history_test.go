package history

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
)

func newStore(t *testing.T) (*Store, *normalize.Engine, string) {
	t.Helper()
	en, err := normalize.NewEngine(refdata.MustDefault(), "MX")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "history.json")
	return New(path, en), en, path
}

func TestMergeRules(t *testing.T) {
	s, en, _ := newStore(t)
	start := time.Date(2025, 4, 10, 1, 0, 0, 0, time.UTC)
	old := en.New(model.RawEvent{
		Summary:     "Rust Night",
		Location:    "Wizeline, Calle Montes Urales 424, CDMX",
		Description: "Charlas de Rust",
		URL:         "https://lu.ma/rust",
		Start:       start,
	})
	s.Merge([]*model.Event{old})

	incoming := en.New(model.RawEvent{
		Summary:  "Rust Night",
		Location: "Wizeline",
		URL:      "https://www.meetup.com/rust-mx/events/9",
		Start:    start.Add(20 * time.Minute),
	})
	stats := s.Merge([]*model.Event{incoming})
	if stats.Updated != 1 || stats.Added != 0 || s.Len() != 1 {
		t.Fatalf("stats = %+v len = %d", stats, s.Len())
	}
	got, ok := s.Get(old.HashKey)
	if !ok {
		t.Fatal("merged event missing")
	}
	if got.Location != old.Location {
		t.Errorf("location = %q, want the longer stored one", got.Location)
	}
	if got.Description != "Charlas de Rust" {
		t.Errorf("description = %q", got.Description)
	}
	if got.URL != incoming.URL {
		t.Errorf("url = %q, want incoming", got.URL)
	}
	if len(got.Sources) != 2 {
		t.Errorf("sources = %v", got.Sources)
	}
}

func TestSaveOrderAndLoadHeals(t *testing.T) {
	s, en, path := newStore(t)
	day := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.Merge([]*model.Event{
		en.New(model.RawEvent{Summary: "Older", Location: "Zoom", Start: day}),
		en.New(model.RawEvent{Summary: "Undated", Location: "Zoom"}),
		en.New(model.RawEvent{Summary: "Newer", Location: "Zoom", Start: day.AddDate(0, 1, 0)}),
	})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var recs []model.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		t.Fatal(err)
	}
	var titles []string
	for _, r := range recs {
		titles = append(titles, strings.Split(r.Title, "|")[1])
	}
	if strings.Join(titles, ",") != "Newer,Older,Undated" {
		t.Fatalf("order = %v", titles)
	}

	// Corrupt one stored key and add a malformed record; load must heal and skip.
	recs[0].HashKey = "legacy-key"
	bad := "garbage"
	recs = append(recs, model.Record{Title: "X|Broken|Online", DTStart: &bad})
	raw, _ = json.Marshal(recs)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	fresh := New(path, en)
	stats, err := fresh.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stats.Loaded != 3 || stats.Skipped != 1 || stats.Rekeyed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok := fresh.Get(normalize.HashKey("newer", day.AddDate(0, 1, 0))); !ok {
		t.Fatal("healed record not indexed under recomputed key")
	}
}

func TestLoadMissingFile(t *testing.T) {
	s, _, _ := newStore(t)
	stats, err := s.Load()
	if err != nil || stats.Read != 0 || s.Len() != 0 {
		t.Fatalf("stats=%+v err=%v len=%d", stats, err, s.Len())
	}
}

func TestLoadAcceptsLegacyStringSources(t *testing.T) {
	s, _, path := newStore(t)
	doc := `[{"title":"Go MX|Go Night|Online","url":"https://lu.ma/go","sources":["https://lu.ma/go","https://www.meetup.com/go-mx/events/1"],"location":"Zoom","dtstart":"2025-02-01T02:00:00+00:00"}]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	evs := s.Reload()
	if len(evs) != 1 || len(evs[0].Sources) != 2 {
		t.Fatalf("reloaded = %+v", evs)
	}
	if evs[0].Organizer != "Go MX" {
		t.Errorf("organizer = %q", evs[0].Organizer)
	}
}

func TestReplaceEvicts(t *testing.T) {
	s, en, _ := newStore(t)
	a := en.New(model.RawEvent{Summary: "A", Location: "Zoom"})
	b := en.New(model.RawEvent{Summary: "B", Location: "Zoom"})
	s.Merge([]*model.Event{a, b})
	if n := s.Replace([]*model.Event{a}); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if _, ok := s.Get(b.HashKey); ok {
		t.Fatal("B should be evicted")
	}
}
