package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"techcal/internal/adapter"
	"techcal/internal/aggregate"
	"techcal/internal/config"
	"techcal/internal/export"
	"techcal/internal/geocode"
	"techcal/internal/history"
	appLog "techcal/internal/log"
	"techcal/internal/metrics"
	"techcal/internal/model"
	"techcal/internal/normalize"
	"techcal/internal/ratelimit"
	"techcal/internal/refdata"
	"techcal/internal/render"
	"techcal/internal/urlcache"
	"techcal/internal/web"
)

const version = "1.0.0"

// app wires the aggregation pipeline to its outputs. Runs are serialized.
type app struct {
	cfg       *config.Config
	writeJSON bool

	engine  *normalize.Engine
	agg     *aggregate.Aggregator
	urls    *urlcache.Cache
	browser *render.Browser
	server  *web.Server

	mu sync.Mutex
}

func newApp(cfg *config.Config, writeJSON bool) (*app, error) {
	engine, err := normalize.NewEngine(refdata.MustDefault(), cfg.Country)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}

	// A broken cache file only costs extra lookups; keep going with what loaded.
	geoCache, err := geocode.OpenCache(cfg.Data.GeocodeCache)
	if err != nil {
		appLog.Warn("geocoding cache unreadable, starting empty", "path", cfg.Data.GeocodeCache, "error", err.Error())
	}
	urls, err := urlcache.Open(cfg.Data.FeedURLs, cfg.Data.VanityURLs)
	if err != nil {
		appLog.Warn("url cache unreadable, starting empty", "error", err.Error())
	}

	limiter := ratelimit.New(cfg.MinInterval())
	backend := geocode.NewBreaker(geocode.NewBackend(cfg.GoogleMapsAPIKey, cfg.Timeout()), time.Minute)
	resolver := geocode.NewResolver(engine, geoCache, backend, geocode.Options{
		Retries: cfg.Retries,
		Backoff: time.Second,
		Limiter: limiter,
	})

	a := &app{cfg: cfg, writeJSON: writeJSON, engine: engine, urls: urls}

	deps := adapter.Deps{
		Engine:        engine,
		Timeout:       cfg.Timeout(),
		Retries:       cfg.Retries,
		EnrichRetries: cfg.EnrichRetries,
		SkipEnrich:    cfg.Fast,
		Limiter:       limiter,
		URLs:          urls,
		CacheDir:      cfg.Data.HTTPCache,
		Horizon:       cfg.Horizon(),
	}
	if cfg.Render.Enabled {
		a.browser = render.NewBrowser(render.Options{
			ExecPath:  cfg.Render.ExecPath,
			Timeout:   cfg.Timeout(),
			NoSandbox: cfg.Render.NoSandbox,
		})
		deps.Pages = a.browser
	}

	a.agg = aggregate.New(engine, adapter.NewRegistry(deps), resolver, history.New(cfg.Data.History, engine), urls, aggregate.Options{
		Workers:    cfg.Workers,
		HealLimit:  cfg.HealLimit,
		Fast:       cfg.Fast,
		Politeness: ratelimit.NewPoliteness(cfg.Politeness()),
	})
	return a, nil
}

// Run aggregates once and writes every configured output. The returned error
// joins persistence and output failures; outputs are still attempted.
func (a *app) Run(ctx context.Context) (aggregate.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, runErr := a.agg.Run(ctx, a.cfg.Feeds, a.cfg.ManualEvents)
	errs := []error{runErr}
	if len(res.Events) == 0 {
		appLog.Warn("no events found", "run_id", res.RunID)
	}

	opts := export.DefaultCalendarOptions(a.engine.Country().Label())
	calendar, skipped := export.BuildICS(a.engine, res.Events, opts)
	if err := export.WriteCalendar(a.cfg.Output.ICS, calendar); err != nil {
		errs = append(errs, err)
	} else {
		appLog.Info("calendar written", "path", a.cfg.Output.ICS, "events", len(res.Events)-skipped, "skipped_undated", skipped)
	}
	if a.cfg.Output.StateDir != "" {
		n, err := export.WriteStateCalendars(a.cfg.Output.StateDir, a.engine, res.Events, opts)
		if err != nil {
			errs = append(errs, err)
		}
		appLog.Info("state calendars written", "dir", a.cfg.Output.StateDir, "count", n)
	}

	doc := export.BuildDocument(a.engine, res.Events, a.cfg.Feeds, a.urls, time.Now())
	// Communities records configured landing pages in the vanity cache.
	if err := a.urls.Save(); err != nil {
		errs = append(errs, fmt.Errorf("url cache: %w", err))
	}
	if a.writeJSON {
		if err := export.WriteJSON(a.cfg.Output.JSON, doc); err != nil {
			errs = append(errs, err)
		}
	}

	if p := a.cfg.Output.MetricsTextfile; p != "" {
		if err := metrics.WriteToTextfile(p); err != nil {
			errs = append(errs, fmt.Errorf("metrics: write %s: %w", p, err))
		}
	}

	logTagStats(res.RunID, res.Events)

	err := errors.Join(errs...)
	if a.server != nil {
		a.server.Publish(&web.Snapshot{
			RunID:      res.RunID,
			FinishedAt: time.Now(),
			Document:   doc,
			Calendar:   calendar,
			Err:        err,
		})
	}
	return res, err
}

func (a *app) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
}

// logTagStats logs the most frequent topic tags of the final set.
func logTagStats(runID string, events []*model.Event) {
	counts := map[string]int{}
	for _, e := range events {
		for _, t := range e.Tags {
			counts[t]++
		}
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > 10 {
		tags = tags[:10]
	}
	for _, t := range tags {
		appLog.Info("tag stats", "run_id", runID, "tag", t, "count", counts[t])
	}
}
