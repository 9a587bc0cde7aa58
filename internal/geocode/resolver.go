// Package geocode resolves free-text event locations into country, state and
// city fields through a persistent query cache and a pluggable provider.
package geocode

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	appLog "techcal/internal/log"
	"techcal/internal/metrics"
	"techcal/internal/model"
	"techcal/internal/normalize"
	"techcal/internal/ratelimit"
)

type Options struct {
	// Retries is the number of attempts per query on transport errors.
	Retries int
	// Backoff is the base delay of the exponential retry schedule.
	Backoff time.Duration
	// Limiter spaces outbound provider calls; nil means no spacing.
	Limiter *ratelimit.Limiter
}

// Resolver is not safe for concurrent use; it mutates the shared cache.
type Resolver struct {
	engine  *normalize.Engine
	cache   *Cache
	backend Backend
	opts    Options
}

// NewResolver returns a resolver. A nil backend limits it to cached answers.
func NewResolver(engine *normalize.Engine, cache *Cache, backend Backend, opts Options) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	return &Resolver{engine: engine, cache: cache, backend: backend, opts: opts}
}

func (r *Resolver) Cache() *Cache { return r.cache }

var hostedBy = regexp.MustCompile(`(?i)^hosted by\s+`)

// QueryParts cleans a location into geocoding query segments.
func QueryParts(location string) []string {
	var parts []string
	for _, p := range normalize.SplitLocation(location) {
		if strings.HasPrefix(p, "http") {
			continue
		}
		if p = strings.TrimSpace(hostedBy.ReplaceAllString(p, "")); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Resolve geocodes e in place. ok reports whether location fields were
// updated; network reports whether the provider was called, which is the
// caller's cue for a politeness delay.
func (r *Resolver) Resolve(ctx context.Context, e *model.Event) (ok, network bool) {
	if len(strings.TrimSpace(e.Location)) < 5 || r.engine.IsOnline(e) {
		return false, false
	}
	parts := QueryParts(e.Location)
	query := normalize.FixEncoding(strings.Join(parts, ", "))
	if len(query) < 4 {
		return false, false
	}

	candidates := []string{query}
	if len(parts) > 2 {
		candidates = append(candidates,
			strings.Join(parts[1:], ", "),
			strings.Join(parts[len(parts)-2:], ", "),
		)
	}

	for _, q := range candidates {
		raw, usedNetwork := r.lookup(ctx, q)
		network = network || usedNetwork
		if IsEmpty(raw) {
			continue
		}
		if r.apply(e, raw) {
			appLog.Info("geocode: resolved", "location", e.Location, "country", e.Country, "state", e.State, "city", e.City)
			return true, network
		}
	}
	return false, network
}

// lookup consults the cache, then the provider. Every answered query is
// cached, failures as an empty object.
func (r *Resolver) lookup(ctx context.Context, query string) (json.RawMessage, bool) {
	if raw, ok := r.cache.Lookup(query); ok {
		if IsEmpty(raw) {
			metrics.GeocodeLookups.WithLabelValues("cache_failure").Inc()
		} else {
			metrics.GeocodeLookups.WithLabelValues("cache_hit").Inc()
		}
		appLog.Debug("geocode: cache hit", "query", query)
		return raw, false
	}
	if r.backend == nil {
		return nil, false
	}

	var raw json.RawMessage
	err := ratelimit.Retry(ctx, r.opts.Retries, r.opts.Backoff, func(ctx context.Context) error {
		if err := r.opts.Limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := r.backend.Geocode(ctx, query)
		switch {
		case err == nil:
			raw = res
			return nil
		case errors.Is(err, ErrNoMatch), isRejected(err):
			return errors.Join(err, ratelimit.ErrPermanent)
		default:
			return err
		}
	})

	switch {
	case err == nil:
		metrics.GeocodeLookups.WithLabelValues("network_success").Inc()
		r.cache.Store(query, raw)
	case errors.Is(err, ErrNoMatch):
		metrics.GeocodeLookups.WithLabelValues("network_no_match").Inc()
		r.cache.Store(query, nil)
	case isRejected(err), ctx.Err() != nil:
		// Provider unavailable; leave the query uncached so a later run retries.
		metrics.GeocodeLookups.WithLabelValues("network_error").Inc()
		appLog.Debug("geocode: provider unavailable", "query", query, "error", err.Error())
		return nil, !isRejected(err)
	default:
		metrics.GeocodeLookups.WithLabelValues("network_error").Inc()
		appLog.Error("geocode: query failed", err, "query", query, "backend", r.backend.Name())
		r.cache.Store(query, nil)
	}
	return raw, true
}

func (r *Resolver) apply(e *model.Event, raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		appLog.Debug("geocode: undecodable cached response", "error", err.Error())
		return false
	}
	var (
		d       normalize.Details
		address string
		err     error
		partial bool
	)
	switch {
	case probe["address_components"] != nil:
		d, address, err = parseGoogle(raw)
	case probe["address"] != nil:
		d, address, err = r.parseNominatim(raw)
		partial = true
	default:
		return false
	}
	if err != nil {
		appLog.Debug("geocode: unparseable response", "error", err.Error())
		return false
	}

	if partial {
		// Nominatim address dictionaries are often sparse; keep what the
		// record already knows.
		setIfEmpty(&e.Country, d.Country)
		setIfEmpty(&e.CountryCode, d.CountryCode)
		setIfEmpty(&e.State, d.State)
		setIfEmpty(&e.StateCode, d.StateCode)
		setIfEmpty(&e.City, d.City)
		setIfEmpty(&e.CityCode, d.CityCode)
	} else {
		e.Country, e.CountryCode = d.Country, d.CountryCode
		e.State, e.StateCode = d.State, d.StateCode
		e.City, e.CityCode = d.City, d.CityCode
	}
	if address != "" {
		e.Address = address
	} else {
		e.Address = e.Location
	}
	r.engine.StandardizeLocation(e)
	return true
}

func parseGoogle(raw json.RawMessage) (normalize.Details, string, error) {
	var res struct {
		FormattedAddress  string `json:"formatted_address"`
		AddressComponents []struct {
			LongName  string   `json:"long_name"`
			ShortName string   `json:"short_name"`
			Types     []string `json:"types"`
		} `json:"address_components"`
	}
	var d normalize.Details
	if err := json.Unmarshal(raw, &res); err != nil {
		return d, "", err
	}
	for _, c := range res.AddressComponents {
		switch {
		case hasType(c.Types, "country"):
			d.Country, d.CountryCode = c.LongName, strings.ToUpper(c.ShortName)
		case hasType(c.Types, "administrative_area_level_1"):
			d.State, d.StateCode = c.LongName, c.ShortName
		case hasType(c.Types, "locality"):
			d.City = c.LongName
		case hasType(c.Types, "sublocality") && d.City == "":
			d.City = c.LongName
		case hasType(c.Types, "neighborhood") && d.City == "":
			d.City = c.LongName
		}
	}
	if d.CountryCode != "" && d.StateCode != "" && !strings.Contains(d.StateCode, "-") {
		d.StateCode = d.CountryCode + "-" + d.StateCode
	}
	if d.City != "" {
		d.CityCode = normalize.Slugify(d.City)
	}
	return d, res.FormattedAddress, nil
}

func (r *Resolver) parseNominatim(raw json.RawMessage) (normalize.Details, string, error) {
	var res struct {
		DisplayName string            `json:"display_name"`
		Address     map[string]string `json:"address"`
	}
	var d normalize.Details
	if err := json.Unmarshal(raw, &res); err != nil {
		return d, "", err
	}
	a := res.Address
	if cc := strings.ToUpper(a["country_code"]); cc != "" {
		d.CountryCode = cc
		d.Country = a["country"]
		if c, ok := r.engine.Ref().CountryByCode(cc); ok {
			d.Country = c.Label()
		}
	}
	state := firstNonEmpty(a["state"], a["province"], a["region"])
	if state != "" && d.CountryCode != "" {
		d.State = state
		if sub, ok := r.engine.SubdivisionByName(d.CountryCode, state); ok {
			d.StateCode = sub.Code
		}
	}
	if city := firstNonEmpty(a["city"], a["town"], a["village"], a["suburb"]); city != "" {
		d.City, d.CityCode = city, normalize.Slugify(city)
	}
	return d, res.DisplayName, nil
}

// setIfEmpty overwrites dst only with a non-empty value.
func setIfEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
