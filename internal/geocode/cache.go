package geocode

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"techcal/internal/fileio"
	"techcal/internal/metrics"
)

var emptyObject = json.RawMessage(`{}`)

// Cache maps a cleaned query string to the provider's raw response. An empty
// object records a known failure. Cache is not safe for concurrent use.
type Cache struct {
	path    string
	entries map[string]json.RawMessage
	dirty   bool
}

// OpenCache loads the cache file at path; a missing file yields an empty cache.
func OpenCache(path string) (*Cache, error) {
	c := &Cache{path: path, entries: map[string]json.RawMessage{}}
	if path == "" {
		return c, nil
	}
	if _, err := fileio.ReadJSON(path, &c.entries); err != nil {
		return c, fmt.Errorf("geocode: read cache %s: %w", path, err)
	}
	if c.entries == nil {
		c.entries = map[string]json.RawMessage{}
	}
	metrics.GeocodeCacheEntries.Set(float64(len(c.entries)))
	return c, nil
}

// NewMemoryCache returns a cache that is never persisted.
func NewMemoryCache() *Cache {
	return &Cache{entries: map[string]json.RawMessage{}}
}

// Lookup returns the stored response for query. ok is true for cached
// failures too; callers check IsEmpty.
func (c *Cache) Lookup(query string) (raw json.RawMessage, ok bool) {
	raw, ok = c.entries[query]
	return raw, ok
}

// Store records raw for query; a nil raw stores a failure.
func (c *Cache) Store(query string, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = emptyObject
	}
	c.entries[query] = raw
	c.dirty = true
	metrics.GeocodeCacheEntries.Set(float64(len(c.entries)))
}

func (c *Cache) Len() int { return len(c.entries) }

// Save rewrites the cache file when something changed.
func (c *Cache) Save() error {
	if c.path == "" || !c.dirty {
		return nil
	}
	if err := fileio.WriteJSON(c.path, c.entries); err != nil {
		return fmt.Errorf("geocode: write cache %s: %w", c.path, err)
	}
	c.dirty = false
	return nil
}

// IsEmpty reports whether raw is a cached failure.
func IsEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("{}")) || bytes.Equal(t, []byte("null"))
}
