// Package urlcache remembers page-to-feed URL conversions (and the reverse
// community links) across runs so adapters can skip a page fetch.
package urlcache

import (
	"fmt"
	"sync"

	"techcal/internal/fileio"
)

// Cache is read from fetch workers concurrently; every access takes the lock.
type Cache struct {
	mu       sync.RWMutex
	feedPath string
	pagePath string
	feeds    map[string]string // page URL -> feed/API URL
	pages    map[string]string // feed URL -> community page URL
	dirty    bool
}

// Open loads both maps. Empty paths give an in-memory cache.
func Open(feedPath, pagePath string) (*Cache, error) {
	c := &Cache{
		feedPath: feedPath,
		pagePath: pagePath,
		feeds:    map[string]string{},
		pages:    map[string]string{},
	}
	if feedPath != "" {
		if _, err := fileio.ReadJSON(feedPath, &c.feeds); err != nil {
			return c, fmt.Errorf("urlcache: read %s: %w", feedPath, err)
		}
	}
	if pagePath != "" {
		if _, err := fileio.ReadJSON(pagePath, &c.pages); err != nil {
			return c, fmt.Errorf("urlcache: read %s: %w", pagePath, err)
		}
	}
	if c.feeds == nil {
		c.feeds = map[string]string{}
	}
	if c.pages == nil {
		c.pages = map[string]string{}
	}
	return c, nil
}

// FeedURL returns the cached feed URL for a page URL.
func (c *Cache) FeedURL(page string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.feeds[page]
	return u, ok
}

// SetFeedURL records a page -> feed conversion and its reverse link.
func (c *Cache) SetFeedURL(page, feed string) {
	if c == nil || page == "" || feed == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.feeds[page] != feed {
		c.feeds[page] = feed
		c.dirty = true
	}
	if _, ok := c.pages[feed]; !ok {
		c.pages[feed] = page
		c.dirty = true
	}
}

// CommunityURL returns the browsable page recorded for a feed URL.
func (c *Cache) CommunityURL(feed string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.pages[feed]
	return u, ok
}

// SetCommunityURL records the page a feed URL belongs to.
func (c *Cache) SetCommunityURL(feed, page string) {
	if c == nil || feed == "" || page == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pages[feed] != page {
		c.pages[feed] = page
		c.dirty = true
	}
}

// Save rewrites both files when anything changed.
func (c *Cache) Save() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	if c.feedPath != "" {
		if err := fileio.WriteJSON(c.feedPath, c.feeds); err != nil {
			return fmt.Errorf("urlcache: write %s: %w", c.feedPath, err)
		}
	}
	if c.pagePath != "" {
		if err := fileio.WriteJSON(c.pagePath, c.pages); err != nil {
			return fmt.Errorf("urlcache: write %s: %w", c.pagePath, err)
		}
	}
	c.dirty = false
	return nil
}
