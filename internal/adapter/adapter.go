// Package adapter fetches events from community platforms. Each platform has
// its own Adapter; the orchestrator picks one per feed with Classify and the
// Registry.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"techcal/internal/model"
	"techcal/internal/normalize"
	"techcal/internal/ratelimit"
	"techcal/internal/urlcache"
)

// Adapter keys returned by Classify.
const (
	KeyICS        = "ics"
	KeyMeetup     = "meetup"
	KeyLuma       = "luma"
	KeyEventbrite = "eventbrite"
	KeyHiEvents   = "hievents"
	KeyGDG        = "gdgcommunitydev"
	KeyManual     = "manual"
)

var ErrUnknownAdapter = errors.New("adapter: unknown adapter")

// Adapter turns one configured feed into canonical events. Implementations
// must not touch state shared with other feeds except through Deps.URLs.
type Adapter interface {
	Name() string
	Extract(ctx context.Context, feed model.Feed) ([]*model.Event, error)
}

// Classify maps a feed URL to the key of the adapter that understands it.
func Classify(u string) string {
	l := strings.ToLower(u)
	switch {
	case strings.Contains(l, "eventbrite."):
		return KeyEventbrite
	case strings.Contains(l, "lu.ma") || strings.Contains(l, "luma.com"):
		return KeyLuma
	case strings.Contains(l, "meetup.com"):
		return KeyMeetup
	case strings.Contains(l, "hi.events") || strings.Contains(l, "/reuniones."):
		return KeyHiEvents
	case strings.Contains(l, "gdg.community.dev"):
		return KeyGDG
	default:
		return KeyICS
	}
}

// Deps is everything an adapter may need. The zero value of every optional
// field is usable.
type Deps struct {
	Engine *normalize.Engine

	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// Retries is the number of attempts for feed downloads.
	Retries int
	// EnrichRetries and EnrichBackoff drive the detail-page retry schedule.
	EnrichRetries int
	EnrichBackoff time.Duration
	// SkipEnrich disables detail-page lookups entirely.
	SkipEnrich bool

	// Limiter spaces detail-page requests across all workers.
	Limiter *ratelimit.Limiter
	// Pages overrides the detail-page fetcher (e.g. a headless browser).
	Pages PageFetcher
	// URLs caches page-to-feed conversions across runs.
	URLs *urlcache.Cache
	// CacheDir enables conditional GETs for calendar feeds when set.
	CacheDir string

	// Horizon bounds recurrence expansion into the future.
	Horizon time.Duration
	Now     func() time.Time

	// GDGAPIBase and LumaICSBase replace the public API hosts; tests only.
	GDGAPIBase  string
	LumaICSBase string
}

func (d Deps) withDefaults() Deps {
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	if d.Retries < 1 {
		d.Retries = 2
	}
	if d.EnrichRetries < 1 {
		d.EnrichRetries = 3
	}
	if d.EnrichBackoff <= 0 {
		d.EnrichBackoff = time.Second
	}
	if d.Horizon <= 0 {
		d.Horizon = 180 * 24 * time.Hour
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.GDGAPIBase == "" {
		d.GDGAPIBase = "https://gdg.community.dev"
	}
	if d.LumaICSBase == "" {
		d.LumaICSBase = "https://api2.luma.com"
	}
	return d
}

// newClient gives every adapter instance its own client.
func (d Deps) newClient() *http.Client {
	return &http.Client{Timeout: d.Timeout}
}

// Factory builds a fresh adapter instance.
type Factory func(Deps) Adapter

// Registry maps adapter keys to factories.
type Registry struct {
	deps      Deps
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in adapter registered.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps.withDefaults(), factories: map[string]Factory{}}
	r.Register(KeyICS, func(d Deps) Adapter { return NewICS(d) })
	r.Register(KeyMeetup, func(d Deps) Adapter { return NewMeetup(d) })
	r.Register(KeyLuma, func(d Deps) Adapter { return NewLuma(d) })
	r.Register(KeyEventbrite, func(d Deps) Adapter { return NewEventbrite(d) })
	r.Register(KeyHiEvents, func(d Deps) Adapter { return NewHiEvents(d) })
	r.Register(KeyGDG, func(d Deps) Adapter { return NewGDG(d) })
	return r
}

// Register adds or replaces the factory for key.
func (r *Registry) Register(key string, f Factory) {
	r.factories[key] = f
}

// New returns a fresh adapter for key.
func (r *Registry) New(key string) (Adapter, error) {
	f, ok := r.factories[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, key)
	}
	return f(r.deps), nil
}

// ForURL classifies u and returns a fresh adapter for it.
func (r *Registry) ForURL(u string) (Adapter, error) {
	return r.New(Classify(u))
}

// Deps returns the registry's dependencies with defaults applied.
func (r *Registry) Deps() Deps { return r.deps }
