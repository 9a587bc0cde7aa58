package adapter

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/goccy/go-json"

	appLog "techcal/internal/log"
	"techcal/internal/metrics"
	"techcal/internal/model"
	"techcal/internal/ratelimit"
)

// PageFetcher returns the HTML of an event page.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (string, error)
}

// httpPages fetches pages with a browser User-Agent and no retries; the
// enricher owns the retry schedule.
type httpPages struct {
	f *fetcher
}

func (p httpPages) FetchPage(ctx context.Context, u string) (string, error) {
	b, _, err := p.f.do(ctx, u, http.Header{
		"User-Agent":      {pageUserAgent},
		"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language": {"es-419,es;q=0.9,en;q=0.8"},
	})
	return string(b), err
}

// enricher improves event locations from their detail pages. Failures keep
// the event untouched.
type enricher struct {
	deps     Deps
	pages    PageFetcher
	platform string
}

func newEnricher(d Deps, f *fetcher, platform string) *enricher {
	var pages PageFetcher = httpPages{f: f}
	if d.Pages != nil {
		pages = d.Pages
	}
	return &enricher{deps: d, pages: pages, platform: platform}
}

// run calls apply with the page HTML of every event selected by want.
func (en *enricher) run(ctx context.Context, events []*model.Event, want func(*model.Event) bool, apply func(*model.Event, string) bool) {
	if en.deps.SkipEnrich {
		return
	}
	var n int
	for _, e := range events {
		if ctx.Err() != nil {
			return
		}
		if !want(e) {
			continue
		}
		n++
		html, err := en.fetch(ctx, e.URL)
		if err != nil {
			metrics.EnrichmentAttempts.WithLabelValues(en.platform, "error").Inc()
			appLog.Warn("enrich: page fetch failed", "platform", en.platform, "url", e.URL, "error", err.Error())
			continue
		}
		if apply(e, html) {
			metrics.EnrichmentAttempts.WithLabelValues(en.platform, "enriched").Inc()
			appLog.Debug("enrich: location updated", "platform", en.platform, "url", e.URL, "location", e.Location)
		} else {
			metrics.EnrichmentAttempts.WithLabelValues(en.platform, "unchanged").Inc()
		}
	}
	if n > 0 {
		appLog.Info("enrich: processed events", "platform", en.platform, "count", n)
	}
}

func (en *enricher) fetch(ctx context.Context, u string) (string, error) {
	var html string
	err := ratelimit.Retry(ctx, en.deps.EnrichRetries, en.deps.EnrichBackoff, func(ctx context.Context) error {
		if err := en.deps.Limiter.Wait(ctx); err != nil {
			return errors.Join(err, ratelimit.ErrPermanent)
		}
		h, err := en.pages.FetchPage(ctx, u)
		if err != nil {
			return err
		}
		html = h
		return nil
	})
	return html, err
}

var (
	jsonLDBlock  = regexp.MustCompile(`(?s)<script type="application/ld\+json">(.*?)</script>`)
	nextDataBody = regexp.MustCompile(`(?s)<script id="__NEXT_DATA__" type="application/json">(.*?)</script>`)
)

// jsonLDBlocks returns the decodable JSON-LD payloads of a page.
func jsonLDBlocks(html string) []json.RawMessage {
	var out []json.RawMessage
	for _, m := range jsonLDBlock.FindAllStringSubmatch(html, -1) {
		raw := json.RawMessage(m[1])
		if json.Valid(raw) {
			out = append(out, raw)
		}
	}
	return out
}

// nextData decodes the Next.js bootstrap payload into v.
func nextData(html string, v any) bool {
	m := nextDataBody.FindStringSubmatch(html)
	if m == nil {
		return false
	}
	return json.Unmarshal([]byte(m[1]), v) == nil
}
