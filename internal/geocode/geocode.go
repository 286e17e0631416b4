// Package geocode resolves venue names to coordinates and external place
// identifiers through a geocoding API.
//
// The engine treats the geocoder as an external, rate-limited collaborator:
// callers see only the Lookup interface, and the pipeline orchestrator owns
// the request-rate budget. Results (including misses) are cached by
// normalized name+city so repeated extraction cycles do not re-spend the
// budget on known venues.
package geocode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Place is a resolved venue.
type Place struct {
	PlaceID   string  `json:"place_id"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	City      string  `json:"city"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Lookup is the collaborator interface the pipeline consumes. Resolve
// returns (nil, nil) for a clean miss.
type Lookup interface {
	Resolve(ctx context.Context, name, city string) (*Place, error)
}

// Client calls a geocoding HTTP API with caching.
type Client struct {
	apiKey  string
	baseURL string
	rest    *resty.Client
	cache   *Cache
}

// NewClient creates a geocode client. Transient API errors are retried by
// the underlying HTTP client; rate limiting is the caller's concern.
func NewClient(baseURL, apiKey string) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		rest:    rest,
		cache:   NewCache(0),
	}
}

// WithCache replaces the client's cache, e.g. with one restored from disk.
func (c *Client) WithCache(cache *Cache) *Client {
	c.cache = cache
	return c
}

type searchResponse struct {
	Results []struct {
		PlaceID string  `json:"place_id"`
		Name    string  `json:"name"`
		Address string  `json:"formatted_address"`
		City    string  `json:"city"`
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
	} `json:"results"`
}

// Resolve looks up a venue by name and city. Cache hits (including cached
// misses) return without a network call.
func (c *Client) Resolve(ctx context.Context, name, city string) (*Place, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	if place, cached := c.cache.Get(name, city); cached {
		return place, nil
	}

	var out searchResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query": name + " " + city,
			"key":   c.apiKey,
		}).
		SetResult(&out).
		Get("/v1/search")
	if err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", name, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("geocoding %q: API returned status %d", name, resp.StatusCode())
	}

	if len(out.Results) == 0 {
		// Cache the miss so the budget is not re-spent on unknown venues.
		c.cache.Set(name, city, nil)
		return nil, nil
	}

	r := out.Results[0]
	place := &Place{
		PlaceID:   r.PlaceID,
		Name:      r.Name,
		Address:   r.Address,
		City:      r.City,
		Latitude:  r.Lat,
		Longitude: r.Lng,
	}
	c.cache.Set(name, city, place)
	return place, nil
}
