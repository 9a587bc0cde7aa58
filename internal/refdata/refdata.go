// Package refdata holds the immutable reference tables (countries,
// subdivisions, keyword sets) consulted by normalization and geocoding.
package refdata

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data.yaml
var embedded []byte

type Country struct {
	Code         string `yaml:"code"`
	Name         string `yaml:"name"`
	OfficialName string `yaml:"official_name"`
	DisplayName  string `yaml:"display_name"`
}

// Label returns the display name when set, else the common name.
func (c Country) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

type Subdivision struct {
	Code    string   `yaml:"code"`
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Capital describes the alias set collapsed onto one canonical state code.
type Capital struct {
	Code            string   `yaml:"code"`
	Name            string   `yaml:"name"`
	CityCode        string   `yaml:"city_code"`
	CodeAliases     []string `yaml:"code_aliases"`
	CityCodeAliases []string `yaml:"city_code_aliases"`
}

// Target holds the rules specific to the country the calendar is built for.
type Target struct {
	AltNames        []string          `yaml:"alt_names"`
	AltCodes        []string          `yaml:"alt_codes"`
	CountryKeywords []string          `yaml:"country_keywords"`
	NameSuffixes    []string          `yaml:"name_suffixes"`
	CodeRemaps      map[string]string `yaml:"code_remaps"`
	Capital         Capital           `yaml:"capital"`
	PhysicalMarkers []string          `yaml:"physical_markers"`
}

type Keywords struct {
	Online             []string `yaml:"online"`
	InPerson           []string `yaml:"in_person"`
	LocationLabels     []string `yaml:"location_labels"`
	AddressLineMarkers []string `yaml:"address_line_markers"`
}

type TagRule struct {
	Tag      string   `yaml:"tag"`
	Keywords []string `yaml:"keywords"`
}

// Data is never mutated after Parse returns; share it freely.
type Data struct {
	Countries    []Country                `yaml:"countries"`
	Subdivisions map[string][]Subdivision `yaml:"subdivisions"`
	Targets      map[string]Target        `yaml:"targets"`
	Keywords     Keywords                 `yaml:"keywords"`
	Tags         []TagRule                `yaml:"tags"`
}

var (
	defaultOnce sync.Once
	defaultData *Data
	defaultErr  error
)

// Default returns the embedded tables, parsed once per process.
func Default() (*Data, error) {
	defaultOnce.Do(func() {
		defaultData, defaultErr = Parse(embedded)
	})
	return defaultData, defaultErr
}

// MustDefault is Default for callers that treat a broken embed as a programming error.
func MustDefault() *Data {
	d, err := Default()
	if err != nil {
		panic(err)
	}
	return d
}

// Parse decodes a reference-data document.
func Parse(b []byte) (*Data, error) {
	var d Data
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("refdata: %w", err)
	}
	if len(d.Countries) == 0 {
		return nil, fmt.Errorf("refdata: no countries defined")
	}
	return &d, nil
}

// CountryByCode looks up an ISO alpha-2 code case-insensitively.
func (d *Data) CountryByCode(code string) (Country, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, c := range d.Countries {
		if c.Code == code {
			return c, true
		}
	}
	return Country{}, false
}

// Target returns the rules for the given country code; ok is false when the
// country has no target-specific rules.
func (d *Data) Target(code string) (Target, bool) {
	t, ok := d.Targets[strings.ToUpper(code)]
	return t, ok
}
