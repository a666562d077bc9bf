// ABOUTME: Best-effort IP geolocation client against an ip-api style endpoint
// ABOUTME: Lookup failures are absorbed by callers; enrichment never blocks admission

package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Location is an approximate position resolved from a network address.
type Location struct {
	Country string  `json:"country"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Lookuper resolves an IP address to an approximate location.
// Implementations return an error for any failed or unresolvable lookup;
// callers treat errors as "no geo data".
type Lookuper interface {
	Lookup(ctx context.Context, ip string) (*Location, error)
}

// Client queries an ip-api.com compatible JSON endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a geolocation client. The timeout bounds each lookup;
// callers should not add their own.
func NewClient(endpoint string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With("component", "geo"),
	}
}

// lookupResponse matches the ip-api.com JSON body.
type lookupResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Country string  `json:"country"`
	City    string  `json:"city"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Lookup resolves ip to a Location. IPv4-mapped IPv6 addresses ("::ffff:x")
// are normalized to their IPv4 form first.
func (c *Client) Lookup(ctx context.Context, ip string) (*Location, error) {
	cleanIP := strings.TrimPrefix(ip, "::ffff:")

	url := fmt.Sprintf("%s/%s", c.endpoint, cleanIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building geo request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup for %s: %w", cleanIP, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo lookup for %s: unexpected status %d", cleanIP, resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding geo response: %w", err)
	}

	if body.Status != "success" {
		return nil, fmt.Errorf("geo lookup for %s failed: %s", cleanIP, body.Message)
	}

	return &Location{
		Country: body.Country,
		City:    body.City,
		Lat:     body.Lat,
		Lon:     body.Lon,
	}, nil
}

// Ensure Client implements Lookuper
var _ Lookuper = (*Client)(nil)
