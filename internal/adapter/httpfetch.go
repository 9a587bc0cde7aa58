package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"techcal/internal/fileio"
	appLog "techcal/internal/log"
	"techcal/internal/ratelimit"
)

const (
	feedUserAgent = "Cron-Quiles-ICS-Aggregator/1.0"
	pageUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	maxBodyBytes = 16 << 20
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", redactURL(e.URL), e.Code)
}

// permanent reports statuses that retrying will not fix.
func (e *StatusError) permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// fetcher performs GETs with retries and, when cacheDir is set, keeps a
// conditional-GET disk cache (ETag / Last-Modified) per URL.
type fetcher struct {
	client   *http.Client
	retries  int
	backoff  time.Duration
	cacheDir string
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newFetcher(d Deps) *fetcher {
	return &fetcher{client: d.newClient(), retries: d.Retries, backoff: time.Second, cacheDir: d.CacheDir}
}

// get downloads u, retrying transient failures.
func (f *fetcher) get(ctx context.Context, u string, header http.Header) ([]byte, error) {
	var body []byte
	err := ratelimit.Retry(ctx, f.retries, f.backoff, func(ctx context.Context) error {
		b, _, err := f.do(ctx, u, header)
		if err != nil {
			appLog.Warn("http get failed", "url", redactURL(u), "error", err.Error())
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (f *fetcher) do(ctx context.Context, u string, header http.Header) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, errors.Join(err, ratelimit.ErrPermanent)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{URL: u, Code: resp.StatusCode}
		if se.permanent() {
			return nil, resp, errors.Join(se, ratelimit.ErrPermanent)
		}
		return nil, resp, se
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp, err
	}
	return b, resp, nil
}

// getCached is get with the conditional-GET disk cache. A cached body is
// served on 304 and as a fallback when the network fails.
func (f *fetcher) getCached(ctx context.Context, u string, header http.Header) ([]byte, error) {
	if f.cacheDir == "" {
		return f.get(ctx, u, header)
	}
	dir := f.cachePath(u)
	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			h.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			h.Set("If-Modified-Since", meta.LastModified)
		}
	}

	var (
		body []byte
		resp *http.Response
	)
	err := ratelimit.Retry(ctx, f.retries, f.backoff, func(ctx context.Context) error {
		var err error
		body, resp, err = f.do(ctx, u, h)
		return err
	})
	switch {
	case err != nil && len(cached) > 0:
		appLog.Error("feed fetch failed, using cached body", err, "url", redactURL(u))
		return cached, nil
	case err != nil:
		return nil, err
	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return nil, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("feed not modified; using cache", "url", redactURL(u))
		return cached, nil
	}

	m := cacheMeta{
		URL:          u,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := saveCache(dir, m, body); err != nil {
		appLog.Error("feed cache save failed", err, "url", redactURL(u))
	}
	return body, nil
}

func (f *fetcher) cachePath(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var m cacheMeta
	_, err := fileio.ReadJSON(filepath.Join(dir, "meta.json"), &m)
	return m, err
}

func saveCache(dir string, m cacheMeta, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := fileio.WriteAtomic(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	return fileio.WriteJSON(filepath.Join(dir, "meta.json"), m)
}

// redactURL drops the query string so private feed tokens stay out of logs.
func redactURL(u string) string {
	p, err := url.Parse(u)
	if err != nil || p.Host == "" {
		return "(redacted)"
	}
	out := p.Scheme + "://" + p.Host + p.Path
	if p.RawQuery != "" {
		out += "?...(redacted)"
	}
	return out
}
