package geocode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrNoMatch is returned by a Backend when the provider found nothing.
var ErrNoMatch = errors.New("geocode: no match")

// Backend resolves a free-text query to the provider's raw result object.
type Backend interface {
	Name() string
	Geocode(ctx context.Context, query string) (json.RawMessage, error)
}

const (
	defaultGoogleURL    = "https://maps.googleapis.com/maps/api/geocode/json"
	defaultNominatimURL = "https://nominatim.openstreetmap.org/search"
	userAgent           = "techcal-aggregator/1.0"
)

// Google is the key-based provider returning typed address components.
type Google struct {
	APIKey   string
	BaseURL  string
	Language string
	Client   *http.Client
}

func NewGoogle(apiKey string, timeout time.Duration) *Google {
	return &Google{APIKey: apiKey, BaseURL: defaultGoogleURL, Language: "es", Client: &http.Client{Timeout: timeout}}
}

func (g *Google) Name() string { return "google" }

func (g *Google) Geocode(ctx context.Context, query string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("address", query)
	q.Set("key", g.APIKey)
	if g.Language != "" {
		q.Set("language", g.Language)
	}
	body, err := getJSON(ctx, g.Client, g.BaseURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status       string            `json:"status"`
		ErrorMessage string            `json:"error_message"`
		Results      []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("google: decode: %w", err)
	}
	switch resp.Status {
	case "OK":
		if len(resp.Results) == 0 {
			return nil, ErrNoMatch
		}
		return resp.Results[0], nil
	case "ZERO_RESULTS":
		return nil, ErrNoMatch
	default:
		return nil, fmt.Errorf("google: status %s: %s", resp.Status, resp.ErrorMessage)
	}
}

// Nominatim is the free OpenStreetMap provider returning an address dictionary.
type Nominatim struct {
	BaseURL  string
	Language string
	Client   *http.Client
}

func NewNominatim(timeout time.Duration) *Nominatim {
	return &Nominatim{BaseURL: defaultNominatimURL, Language: "es", Client: &http.Client{Timeout: timeout}}
}

func (n *Nominatim) Name() string { return "nominatim" }

func (n *Nominatim) Geocode(ctx context.Context, query string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("addressdetails", "1")
	q.Set("limit", "1")
	if n.Language != "" {
		q.Set("accept-language", n.Language)
	}
	body, err := getJSON(ctx, n.Client, n.BaseURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var results []json.RawMessage
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("nominatim: decode: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNoMatch
	}
	return results[0], nil
}

// NewBackend selects Google when an API key is configured, else Nominatim.
func NewBackend(apiKey string, timeout time.Duration) Backend {
	if strings.TrimSpace(apiKey) != "" {
		return NewGoogle(apiKey, timeout)
	}
	return NewNominatim(timeout)
}

func getJSON(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
