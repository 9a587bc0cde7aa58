package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"techcal/internal/model"
)

// EnvGoogleMapsKey names the environment variable holding the geocoding key.
const EnvGoogleMapsKey = "GOOGLE_MAPS_API_KEY"

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

// DataConfig locates the files persisted between runs.
type DataConfig struct {
	History      string `yaml:"history" json:"history"`
	GeocodeCache string `yaml:"geocode_cache" json:"geocode_cache"`
	// FeedURLs maps community pages to feed URLs, VanityURLs the reverse.
	FeedURLs   string `yaml:"feed_urls" json:"feed_urls"`
	VanityURLs string `yaml:"vanity_urls" json:"vanity_urls"`
	// HTTPCache enables conditional GETs for calendar feeds; empty disables.
	HTTPCache string `yaml:"http_cache" json:"http_cache"`
}

// OutputConfig names the generated files.
type OutputConfig struct {
	ICS  string `yaml:"ics" json:"ics"`
	JSON string `yaml:"json" json:"json"`
	// StateDir, when set, receives one calendar per state code.
	StateDir string `yaml:"state_dir" json:"state_dir"`
	// MetricsTextfile is rewritten after each run for node_exporter.
	MetricsTextfile string `yaml:"metrics_textfile" json:"metrics_textfile"`
}

// RenderConfig switches detail-page enrichment to headless Chromium.
type RenderConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	ExecPath  string `yaml:"exec_path" json:"exec_path"`
	NoSandbox bool   `yaml:"no_sandbox" json:"no_sandbox"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the status server address used in daemon mode.
	Listen string `yaml:"listen" json:"listen"`

	// Country is the ISO 3166-1 alpha-2 code of the target country.
	Country string `yaml:"country" json:"country" validate:"len=2,alpha"`

	// RefreshCron is the daemon schedule (e.g. "0 */6 * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Workers is the fetch pool width.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=20"`

	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=1"`
	Retries        int `yaml:"retries" json:"retries" validate:"gte=1"`
	EnrichRetries  int `yaml:"enrich_retries" json:"enrich_retries" validate:"gte=1"`
	// MinIntervalMillis spaces detail-page and geocoding requests; negative
	// disables spacing.
	MinIntervalMillis int `yaml:"min_interval_ms" json:"min_interval_ms"`
	// PolitenessMillis is the pause after every live geocoding call; negative
	// disables it.
	PolitenessMillis int `yaml:"politeness_ms" json:"politeness_ms"`
	// HealLimit caps historical events geocoded per run.
	HealLimit int `yaml:"heal_limit" json:"heal_limit" validate:"gte=1"`
	// HorizonDays bounds recurring-event expansion.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days" validate:"gte=1"`
	// Fast skips healing geocodes and detail-page enrichment.
	Fast bool `yaml:"fast" json:"fast"`

	Data   DataConfig   `yaml:"data" json:"data"`
	Output OutputConfig `yaml:"output" json:"output"`
	Render RenderConfig `yaml:"render" json:"render"`

	// Feeds lists the subscribed sources. Entries may be plain URLs.
	Feeds Feeds `yaml:"feeds" json:"feeds" validate:"dive"`
	// FeedsFile adds feeds from a YAML file or a text file with one URL per line.
	FeedsFile string `yaml:"feeds_file,omitempty" json:"feeds_file,omitempty"`

	// ManualEvents are published as-is; ManualFile adds more from a JSON array.
	ManualEvents []model.Record `yaml:"manual_events" json:"manual_events" validate:"dive"`
	ManualFile   string         `yaml:"manual_file,omitempty" json:"manual_file,omitempty"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// GoogleMapsAPIKey comes from the environment only.
	GoogleMapsAPIKey string `yaml:"-" json:"-"`
}

// Feeds accepts both `- url: ...` mappings and bare URL strings.
type Feeds []model.Feed

func (f *Feeds) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("config: feeds must be a list (line %d)", n.Line)
	}
	out := make(Feeds, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, model.Feed{URL: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var feed model.Feed
			if err := item.Decode(&feed); err != nil {
				return err
			}
			out = append(out, feed)
		default:
			return fmt.Errorf("config: invalid feed entry (line %d)", item.Line)
		}
	}
	*f = out
	return nil
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so partially-filled
// configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	c.Country = strings.ToUpper(strings.TrimSpace(c.Country))
	if c.Country == "" {
		c.Country = "MX"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "0 */6 * * *"
	}
	if c.Workers == 0 {
		c.Workers = 10
	}
	c.Workers = max(1, min(c.Workers, 20))
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	if c.Retries <= 0 {
		c.Retries = 2
	}
	if c.EnrichRetries <= 0 {
		c.EnrichRetries = 3
	}
	if c.MinIntervalMillis == 0 {
		c.MinIntervalMillis = 300
	}
	if c.PolitenessMillis == 0 {
		c.PolitenessMillis = 1100
	}
	if c.HealLimit <= 0 {
		c.HealLimit = 100
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 180
	}

	if c.Data.History == "" {
		c.Data.History = "data/history.json"
	}
	if c.Data.GeocodeCache == "" {
		c.Data.GeocodeCache = "data/geocoding_cache.json"
	}
	if c.Data.FeedURLs == "" {
		c.Data.FeedURLs = "data/feed_urls.json"
	}
	if c.Data.VanityURLs == "" {
		c.Data.VanityURLs = "data/vanity_urls.json"
	}
	if c.Output.ICS == "" {
		c.Output.ICS = "cronquiles.ics"
	}
	if c.Output.JSON == "" {
		c.Output.JSON = "cronquiles.json"
	}
	if c.Feeds == nil {
		c.Feeds = Feeds{}
	}
	if c.ManualEvents == nil {
		c.ManualEvents = []model.Record{}
	}
}

// Timeout is the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// MinInterval is the spacing between rate-limited requests.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMillis) * time.Millisecond
}

// Politeness is the pause after a live geocoding request.
func (c *Config) Politeness() time.Duration {
	return time.Duration(c.PolitenessMillis) * time.Millisecond
}

// Horizon bounds recurring-event expansion.
func (c *Config) Horizon() time.Duration { return time.Duration(c.HorizonDays) * 24 * time.Hour }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints after Normalize.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadEnv reads an optional .env file and picks up secrets from the
// environment. Variables already set win over the file.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	c.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv(EnvGoogleMapsKey))
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is decoded, feeds and manual events from the
//     referenced files are appended, defaults are filled in and the result
//     is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	base := filepath.Dir(path)
	if cfg.FeedsFile != "" {
		feeds, err := LoadFeedList(resolve(base, cfg.FeedsFile))
		if err != nil {
			return nil, err
		}
		cfg.Feeds = append(cfg.Feeds, feeds...)
	}
	if cfg.ManualFile != "" {
		recs, err := loadManual(resolve(base, cfg.ManualFile))
		if err != nil {
			return nil, err
		}
		cfg.ManualEvents = append(cfg.ManualEvents, recs...)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// LoadFeedList reads feeds from a YAML file with a top-level `feeds` list, or
// from a text file with one URL per line (blank lines and # comments skipped).
func LoadFeedList(path string) ([]model.Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read feeds %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc struct {
			Feeds Feeds `yaml:"feeds"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse feeds %s: %w", path, err)
		}
		return doc.Feeds, nil
	}

	var feeds []model.Feed
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		feeds = append(feeds, model.Feed{URL: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read feeds %s: %w", path, err)
	}
	return feeds, nil
}

func loadManual(path string) ([]model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manual events %s: %w", path, err)
	}
	var recs []model.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("config: parse manual events %s: %w", path, err)
	}
	return recs, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".techcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
