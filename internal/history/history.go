// Package history persists every event ever seen, keyed by hash key. Records
// are rebuilt through the normalization engine on load, so rule changes
// repair older entries without a migration step.
package history

import (
	"fmt"
	"sort"

	"techcal/internal/fileio"
	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

// Store is not safe for concurrent use; the aggregator only touches it from
// its single-threaded phases.
type Store struct {
	path   string
	engine *normalize.Engine
	events map[string]*model.Event
}

// LoadStats summarizes a normalize-on-load pass.
type LoadStats struct {
	Read    int
	Loaded  int
	Skipped int
	// Rekeyed counts records whose persisted hash key differed from the one
	// computed under the current rules.
	Rekeyed int
}

// MergeStats counts the outcome of Merge.
type MergeStats struct {
	Added   int
	Updated int
}

func New(path string, engine *normalize.Engine) *Store {
	return &Store{path: path, engine: engine, events: map[string]*model.Event{}}
}

// Load replaces the in-memory index with the contents of the history file.
// A missing file yields an empty store. Malformed records are logged and
// skipped.
func (s *Store) Load() (LoadStats, error) {
	var stats LoadStats
	var records []model.Record
	if _, err := fileio.ReadJSON(s.path, &records); err != nil {
		return stats, fmt.Errorf("history: read %s: %w", s.path, err)
	}
	stats.Read = len(records)

	s.events = make(map[string]*model.Event, len(records))
	for i, rec := range records {
		e, err := s.engine.FromRecord(rec)
		if err != nil {
			stats.Skipped++
			appLog.Error("history: skipping record", err, "index", i, "title", rec.Title)
			continue
		}
		if rec.HashKey != "" && rec.HashKey != e.HashKey {
			stats.Rekeyed++
			appLog.Debug("history: record rekeyed", "old", rec.HashKey, "new", e.HashKey)
		}
		s.merge(e)
		stats.Loaded++
	}
	appLog.Info("history: loaded", "path", s.path, "records", len(s.events), "skipped", stats.Skipped, "rekeyed", stats.Rekeyed)
	return stats, nil
}

// Merge inserts new events and updates existing ones.
func (s *Store) Merge(events []*model.Event) MergeStats {
	var stats MergeStats
	for _, e := range events {
		if s.merge(e) {
			stats.Added++
		} else {
			stats.Updated++
		}
	}
	return stats
}

// merge stores e under its key. When the key exists, the stored location wins
// if it is longer, the stored description fills an empty one, and resolved
// location fields and sources already on record are kept.
func (s *Store) merge(in *model.Event) (added bool) {
	e := clone(in)
	old, ok := s.events[e.HashKey]
	if !ok {
		s.events[e.HashKey] = e
		return true
	}
	if len(old.Location) > len(e.Location) {
		e.Location = old.Location
	}
	if e.Description == "" && old.Description != "" {
		e.Description = old.Description
	}
	if e.StateCode == "" && old.StateCode != "" && (e.CountryCode == "" || e.CountryCode == old.CountryCode) {
		e.Country, e.CountryCode = old.Country, old.CountryCode
		e.State, e.StateCode = old.State, old.StateCode
	}
	if e.City == "" && old.City != "" {
		e.City, e.CityCode = old.City, old.CityCode
	}
	for _, src := range old.Sources {
		e.AddSource(src)
	}
	s.events[e.HashKey] = e
	return false
}

// Put stores e unconditionally under its key.
func (s *Store) Put(e *model.Event) {
	s.events[e.HashKey] = clone(e)
}

// Replace resynchronizes the index to exactly events; keys not present are evicted.
func (s *Store) Replace(events []*model.Event) (evicted int) {
	next := make(map[string]*model.Event, len(events))
	for _, e := range events {
		next[e.HashKey] = clone(e)
	}
	for k := range s.events {
		if _, ok := next[k]; !ok {
			evicted++
		}
	}
	s.events = next
	return evicted
}

func (s *Store) Len() int { return len(s.events) }

// Get returns a copy of the stored event for key.
func (s *Store) Get(key string) (*model.Event, bool) {
	e, ok := s.events[key]
	if !ok {
		return nil, false
	}
	return clone(e), true
}

// Reload rebuilds every stored event through the healing path and returns
// them newest first. The index itself is left untouched.
func (s *Store) Reload() []*model.Event {
	out := make([]*model.Event, 0, len(s.events))
	for _, rec := range s.Records() {
		e, err := s.engine.FromRecord(rec)
		if err != nil {
			appLog.Error("history: reload skipped record", err, "title", rec.Title)
			continue
		}
		out = append(out, e)
	}
	return out
}

// Records renders the store sorted by start time descending, undated last.
func (s *Store) Records() []model.Record {
	events := make([]*model.Event, 0, len(s.events))
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.HasStart() != b.HasStart() {
			return a.HasStart()
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.After(b.Start)
		}
		return a.HashKey < b.HashKey
	})
	records := make([]model.Record, 0, len(events))
	for _, e := range events {
		records = append(records, s.engine.ToRecord(e))
	}
	return records
}

// Save rewrites the whole history file.
func (s *Store) Save() error {
	if err := fileio.WriteJSON(s.path, s.Records()); err != nil {
		return fmt.Errorf("history: write %s: %w", s.path, err)
	}
	appLog.Debug("history: saved", "path", s.path, "records", len(s.events))
	return nil
}

func clone(e *model.Event) *model.Event {
	c := *e
	c.Sources = append([]string(nil), e.Sources...)
	c.Tags = append([]string(nil), e.Tags...)
	return &c
}
