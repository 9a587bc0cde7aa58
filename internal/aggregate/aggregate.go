// Package aggregate runs one aggregation pass: fetch every feed concurrently,
// filter to the target country, geocode, merge into history and produce the
// final ordered, deduplicated event list.
package aggregate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"techcal/internal/adapter"
	"techcal/internal/dedup"
	"techcal/internal/geocode"
	"techcal/internal/history"
	appLog "techcal/internal/log"
	"techcal/internal/metrics"
	"techcal/internal/model"
	"techcal/internal/normalize"
	"techcal/internal/ratelimit"
	"techcal/internal/urlcache"
)

const (
	DefaultWorkers   = 10
	MaxWorkers       = 20
	DefaultHealLimit = 100
)

type Options struct {
	// Workers is the fetch pool width, clamped to [1, MaxWorkers].
	Workers int
	// HealLimit bounds how many historical events are geocoded per run.
	HealLimit int
	// Fast skips the healing geocode pass.
	Fast bool
	// Politeness is the pause after each live geocoding request.
	Politeness *ratelimit.Politeness
}

// Aggregator owns the history store and the caches. Only Run mutates them,
// and only outside the concurrent fetch phase.
type Aggregator struct {
	engine   *normalize.Engine
	registry *adapter.Registry
	resolver *geocode.Resolver
	history  *history.Store
	urls     *urlcache.Cache
	opts     Options
}

func New(engine *normalize.Engine, registry *adapter.Registry, resolver *geocode.Resolver, store *history.Store, urls *urlcache.Cache, opts Options) *Aggregator {
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	opts.Workers = max(1, min(opts.Workers, MaxWorkers))
	if opts.HealLimit <= 0 {
		opts.HealLimit = DefaultHealLimit
	}
	return &Aggregator{
		engine:   engine,
		registry: registry,
		resolver: resolver,
		history:  store,
		urls:     urls,
		opts:     opts,
	}
}

// Result describes one finished run.
type Result struct {
	RunID    string
	Events   []*model.Event
	Fetched  int
	Filtered int
	Added    int
	Updated  int
	Healed   int
	Evicted  int
}

type task struct {
	feed model.Feed
	key  string
	ad   adapter.Adapter
}

// Run performs one aggregation pass. Per-feed and per-event failures are
// logged and contained. The returned error only reports persistence failures;
// Result.Events is complete even then.
func (a *Aggregator) Run(ctx context.Context, feeds []model.Feed, manual []model.Record) (Result, error) {
	start := time.Now()
	res := Result{RunID: uuid.NewString()}
	var errs []error

	appLog.Info("aggregate: run started", "run_id", res.RunID, "feeds", len(feeds), "manual", len(manual), "workers", a.opts.Workers)

	// Phase 1: dispatch and concurrent fetch.
	phase := time.Now()
	tasks := a.dispatch(feeds, manual)
	events := a.fetchAll(ctx, tasks)
	res.Fetched = len(events)
	metrics.ObservePhase("fetch", phase)

	// Phase 2: target country or online.
	events, res.Filtered = a.filterCountry(events)
	if res.Filtered > 0 {
		appLog.Info("aggregate: filtered events outside target country", "run_id", res.RunID, "count", res.Filtered)
	}

	// Phase 3: geocode the fresh batch.
	phase = time.Now()
	a.geocodeLive(ctx, events)
	metrics.ObservePhase("geocode_live", phase)

	// Phase 4: merge into history. A history file that cannot be read is
	// never overwritten; the run continues in memory.
	phase = time.Now()
	persist := true
	if st, err := a.history.Load(); err != nil {
		errs = append(errs, err)
		persist = false
	} else {
		metrics.HistorySkipped.Add(float64(st.Skipped))
	}
	save := func() {
		if !persist {
			return
		}
		if err := a.history.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	batch := dedup.Deduplicate(events)
	metrics.DuplicatesMerged.Add(float64(len(events) - len(batch)))
	ms := a.history.Merge(batch)
	res.Added, res.Updated = ms.Added, ms.Updated
	save()
	metrics.ObservePhase("merge", phase)

	// Phase 5: full set through the healing path.
	all := a.history.Reload()

	// Phase 6: heal incomplete historical locations.
	if !a.opts.Fast {
		phase = time.Now()
		res.Healed = a.heal(ctx, all)
		if res.Healed > 0 {
			save()
		}
		metrics.ObservePhase("geocode_heal", phase)
	}

	// Phase 7: final order and dedup.
	SortByStart(all)
	final := dedup.Deduplicate(all)
	metrics.DuplicatesMerged.Add(float64(len(all) - len(final)))
	res.Evicted = a.history.Replace(final)
	save()
	metrics.HistoryRecords.Set(float64(a.history.Len()))
	res.Events = final

	// Phase 8: caches.
	if err := a.resolver.Cache().Save(); err != nil {
		errs = append(errs, err)
	}
	if err := a.urls.Save(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	metrics.RecordRun(start, len(final), err)
	appLog.Info("aggregate: run finished",
		"run_id", res.RunID,
		"fetched", res.Fetched,
		"filtered", res.Filtered,
		"added", res.Added,
		"updated", res.Updated,
		"healed", res.Healed,
		"evicted", res.Evicted,
		"final", len(final),
		"elapsed", time.Since(start).String(),
	)
	if err != nil {
		appLog.Error("aggregate: persistence failed", err, "run_id", res.RunID)
	}
	return res, err
}

// dispatch builds one task per feed with its own adapter instance, plus one
// for the manual entries.
func (a *Aggregator) dispatch(feeds []model.Feed, manual []model.Record) []task {
	tasks := make([]task, 0, len(feeds)+1)
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		key := adapter.Classify(f.URL)
		ad, err := a.registry.New(key)
		if err != nil {
			appLog.Error("aggregate: no adapter for feed", err, "url", f.URL, "key", key)
			continue
		}
		tasks = append(tasks, task{feed: f, key: key, ad: ad})
	}
	if len(manual) > 0 {
		tasks = append(tasks, task{key: adapter.KeyManual, ad: adapter.NewManual(a.engine, manual)})
	}
	return tasks
}

// fetchAll runs tasks on the worker pool and waits for all of them.
func (a *Aggregator) fetchAll(ctx context.Context, tasks []task) []*model.Event {
	if len(tasks) == 0 {
		return nil
	}
	workers := min(a.opts.Workers, len(tasks))
	appLog.Info("aggregate: fetching feeds", "count", len(tasks), "workers", workers)

	jobs := make(chan task)
	results := make(chan []*model.Event, len(tasks))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				results <- a.fetchOne(ctx, t)
			}
		}()
	}
	for _, t := range tasks {
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	close(results)

	var out []*model.Event
	for evs := range results {
		out = append(out, evs...)
	}
	return out
}

// fetchOne never fails; errors and panics become an empty result.
func (a *Aggregator) fetchOne(ctx context.Context, t task) (events []*model.Event) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Warn("aggregate: adapter panicked", "url", t.feed.URL, "adapter", t.key, "panic", r)
			metrics.RecordFetch(t.key, 0, errors.New("panic"))
			events = nil
		}
	}()

	evs, err := t.ad.Extract(ctx, t.feed)
	metrics.RecordFetch(t.key, len(evs), err)
	if err != nil {
		appLog.Error("aggregate: feed failed", err, "url", t.feed.URL, "adapter", t.key)
		return nil
	}
	appLog.Debug("aggregate: feed done", "url", t.feed.URL, "adapter", t.key, "count", len(evs))
	return evs
}

func (a *Aggregator) filterCountry(events []*model.Event) ([]*model.Event, int) {
	target := a.engine.Country().Code
	kept := events[:0]
	dropped := 0
	for _, e := range events {
		if e.CountryCode == target || a.engine.IsOnline(e) {
			kept = append(kept, e)
			continue
		}
		dropped++
	}
	metrics.EventsFiltered.Add(float64(dropped))
	return kept, dropped
}

func (a *Aggregator) needsGeocode(e *model.Event) bool {
	return !a.engine.IsOnline(e) && (e.StateCode == "" || e.City == "")
}

func (a *Aggregator) geocodeLive(ctx context.Context, events []*model.Event) {
	var n int
	for _, e := range events {
		if !a.needsGeocode(e) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		n++
		a.resolve(ctx, e)
	}
	if n > 0 {
		appLog.Info("aggregate: geocoded new events", "count", n)
	}
}

// heal geocodes up to HealLimit incomplete events and writes each success
// straight into the history index.
func (a *Aggregator) heal(ctx context.Context, all []*model.Event) int {
	var healed, tried int
	for _, e := range all {
		if tried >= a.opts.HealLimit || ctx.Err() != nil {
			break
		}
		if !a.needsGeocode(e) {
			continue
		}
		tried++
		if a.resolve(ctx, e) {
			a.history.Put(e)
			healed++
		}
	}
	if tried > 0 {
		appLog.Info("aggregate: healed historical locations", "tried", tried, "healed", healed)
	}
	return healed
}

func (a *Aggregator) resolve(ctx context.Context, e *model.Event) bool {
	ok, network := a.resolver.Resolve(ctx, e)
	if network {
		if err := a.opts.Politeness.After(ctx); err != nil {
			appLog.Debug("aggregate: politeness pause interrupted", "err", err.Error())
		}
	}
	return ok
}

// SortByStart orders events by start time ascending; undated events go last.
func SortByStart(events []*model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.HasStart() != b.HasStart() {
			return a.HasStart()
		}
		return a.Start.Before(b.Start)
	})
}
