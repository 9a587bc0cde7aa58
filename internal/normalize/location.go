package normalize

import (
	"regexp"
	"strings"

	"techcal/internal/model"
	"techcal/internal/refdata"
)

// Details are the location fields derived from free text or a geocoder.
type Details struct {
	Country     string
	CountryCode string
	State       string
	StateCode   string
	City        string
	CityCode    string
}

func (d Details) apply(e *model.Event) {
	e.Country, e.CountryCode = d.Country, d.CountryCode
	e.State, e.StateCode = d.State, d.StateCode
	e.City, e.CityCode = d.City, d.CityCode
}

// Relocate sets e.Location to loc and re-derives the location fields from it.
// Used after page enrichment finds a better venue.
func (en *Engine) Relocate(e *model.Event, loc string) {
	e.Location = FixEncoding(strings.TrimSpace(loc))
	en.ExtractLocationDetails(e.Location).apply(e)
	e.Address = e.Location
	en.StandardizeLocation(e)
}

// MarkOnline forces e online. Country and state are kept.
func MarkOnline(e *model.Event) {
	e.ForcedOnline = true
	e.Location = OnlineTail
	e.City, e.CityCode = OnlineTail, "online"
}

// IsTargetCountry reports whether s names the target country by code or name.
func (en *Engine) IsTargetCountry(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if strings.EqualFold(s, en.country.Code) || en.countryKeys[Fold(s)] {
		return true
	}
	for _, c := range en.target.AltCodes {
		if strings.EqualFold(s, c) {
			return true
		}
	}
	return false
}

// MentionsTarget reports whether text contains a target-country keyword.
func (en *Engine) MentionsTarget(text string) bool {
	_, ok := containsAnyKeyword(strings.ToLower(text), en.target.CountryKeywords)
	return ok
}

var repeatedCommas = regexp.MustCompile(`,\s*,`)

// SplitLocation splits a location on commas, dropping empty segments.
func SplitLocation(loc string) []string {
	loc = repeatedCommas.ReplaceAllString(loc, ",")
	var parts []string
	for _, p := range strings.Split(loc, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// ExtractLocationDetails derives country and state from a location string.
// The country comes from the last segment, falling back to target-country
// keywords anywhere in the text; for the target country each remaining segment
// is tried against the subdivision lookup. City is left to geocoding.
func (en *Engine) ExtractLocationDetails(location string) Details {
	var d Details
	parts := SplitLocation(location)
	if len(parts) == 0 {
		return d
	}

	countryIdx := -1
	if c, ok := en.countryFromSegment(parts[len(parts)-1]); ok {
		d.Country, d.CountryCode = c.Label(), c.Code
		countryIdx = len(parts) - 1
	} else {
		lower := strings.ToLower(location)
		if _, ok := containsAnyKeyword(lower, en.target.CountryKeywords); ok {
			d.Country, d.CountryCode = en.country.Label(), en.country.Code
		}
	}
	if d.CountryCode == "" {
		return d
	}

	for i, part := range parts {
		if i == countryIdx || (d.CountryCode == en.country.Code && en.countryKeys[Fold(part)]) {
			continue
		}
		if sub, ok := en.SubdivisionByName(d.CountryCode, part); ok {
			d.State, d.StateCode = sub.Name, sub.Code
			break
		}
	}
	return d
}

func (en *Engine) countryFromSegment(seg string) (refdata.Country, bool) {
	f := Fold(seg)
	if f == "" {
		return refdata.Country{}, false
	}
	if en.countryKeys[f] {
		return en.country, true
	}
	for _, c := range en.ref.Countries {
		if f == Fold(c.Name) || (c.OfficialName != "" && f == Fold(c.OfficialName)) {
			return c, true
		}
		if len(seg) == 2 && strings.EqualFold(seg, c.Code) {
			return c, true
		}
	}
	return refdata.Country{}, false
}

// SubdivisionByName resolves a state name, alias or code. The target country
// uses the prepared lookup; other countries match names exactly after folding.
func (en *Engine) SubdivisionByName(countryCode, name string) (refdata.Subdivision, bool) {
	if strings.EqualFold(countryCode, en.country.Code) {
		sub, ok := en.subdivisionLookup()[en.subdivisionKey(name)]
		return sub, ok
	}
	f := Fold(name)
	for _, sub := range en.ref.Subdivisions[strings.ToUpper(countryCode)] {
		if Fold(sub.Name) == f {
			return sub, true
		}
	}
	return refdata.Subdivision{}, false
}

func (en *Engine) subdivisionLookup() map[string]refdata.Subdivision {
	en.lookupOnce.Do(func() {
		m := map[string]refdata.Subdivision{}
		for _, sub := range en.ref.Subdivisions[en.country.Code] {
			keys := []string{
				en.subdivisionKey(sub.Name),
				Fold(sub.Name),
				strings.ToLower(sub.Code),
			}
			if _, short, ok := strings.Cut(sub.Code, "-"); ok {
				keys = append(keys, strings.ToLower(short))
			}
			for _, a := range sub.Aliases {
				keys = append(keys, en.subdivisionKey(a))
			}
			for _, k := range keys {
				if _, taken := m[k]; k != "" && !taken {
					m[k] = sub
				}
			}
		}
		en.lookup = m
	})
	return en.lookup
}

// subdivisionKey folds a state name and removes the long official suffixes
// ("Coahuila de Zaragoza" -> "coahuila").
func (en *Engine) subdivisionKey(s string) string {
	k := Fold(strings.ReplaceAll(s, ".", ""))
	k = spaces.ReplaceAllString(k, " ")
	for _, suffix := range en.target.NameSuffixes {
		k = strings.TrimSuffix(k, suffix)
	}
	return strings.TrimSpace(k)
}

// StandardizeLocation canonicalizes the location fields in place: the target
// country gets one spelling, state codes get the ISO country prefix and legacy
// remaps, and every capital alias collapses onto the capital's code and name.
func (en *Engine) StandardizeLocation(e *model.Event) {
	cc := strings.ToUpper(strings.TrimSpace(e.CountryCode))
	if cc == en.country.Code || (cc == "" && en.countryKeys[Fold(e.Country)] && e.Country != "") {
		e.Country, e.CountryCode = en.country.Label(), en.country.Code
	} else if cc != "" {
		e.CountryCode = cc
	}
	isTarget := e.CountryCode == en.country.Code

	if e.StateCode == "" && e.State != "" && isTarget {
		if sub, ok := en.SubdivisionByName(en.country.Code, e.State); ok {
			e.StateCode = sub.Code
		}
	}

	if e.StateCode != "" {
		sc := strings.ToUpper(strings.NewReplacer(".", "", " ", "").Replace(e.StateCode))
		prefix := en.country.Code + "-"
		if isTarget && !strings.HasPrefix(sc, prefix) {
			sc = prefix + sc
		}
		if remap, ok := en.target.CodeRemaps[sc]; ok {
			sc = remap
		}
		if isTarget {
			lookup := en.subdivisionLookup()
			sub, known := lookup[strings.ToLower(sc)]
			if !known {
				sub, known = lookup[en.subdivisionKey(strings.TrimPrefix(sc, prefix))]
			}
			if known {
				sc = sub.Code
				if e.State == "" {
					e.State = sub.Name
				}
			}
		}
		capital := en.target.Capital
		for _, alias := range capital.CodeAliases {
			if sc == alias {
				sc = capital.Code
				break
			}
		}
		e.StateCode = sc
		if e.CountryCode == "" && strings.HasPrefix(sc, prefix) {
			e.Country, e.CountryCode = en.country.Label(), en.country.Code
		}
	}

	capital := en.target.Capital
	if e.StateCode == capital.Code {
		e.State = capital.Name
		cityCode := strings.ToLower(e.CityCode)
		if cityCode == "" {
			e.CityCode = capital.CityCode
		}
		for _, a := range capital.CityCodeAliases {
			if cityCode == a {
				e.CityCode = capital.CityCode
			}
		}
	}
}
