package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Million1701/Lulutracker-sub000/internal/metrics"
	"github.com/golang/geo/s2"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultNominatimURL is the public Nominatim API endpoint
	DefaultNominatimURL = "https://nominatim.openstreetmap.org"
	// DefaultUserAgent identifies the service as the Nominatim usage policy requires
	DefaultUserAgent = "LuluTracker/1.0"

	// cacheCellLevel is the S2 level used as the cache grid (~70-100m cells)
	cacheCellLevel = 17
)

// Geocoder resolves a point to a human-readable address.
// It never fails: a nil result means no address is known.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) *string
}

// NopGeocoder never resolves an address.
type NopGeocoder struct{}

func (NopGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) *string { return nil }

// NominatimConfig configures the reverse geocoding client.
type NominatimConfig struct {
	BaseURL           string
	UserAgent         string
	RequestsPerSecond float64
	CacheSize         int
	Timeout           time.Duration
}

// Nominatim reverse geocodes against an OpenStreetMap Nominatim server,
// rate limited and cached by grid cell.
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *lru.Cache[s2.CellID, string]
	metrics    *metrics.Metrics
}

// nominatimResponse is the subset of the jsonv2 reverse response we read
type nominatimResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
	Address     struct {
		HouseNumber string `json:"house_number"`
		Road        string `json:"road"`
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		Country     string `json:"country"`
	} `json:"address"`
}

// NewNominatim creates a Nominatim client. Zero values take public-server defaults.
func NewNominatim(cfg NominatimConfig) (*Nominatim, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	cache, err := lru.New[s2.CellID, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create geocode cache: %w", err)
	}

	return &Nominatim{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cache:      cache,
		metrics:    metrics.NewMetrics(),
	}, nil
}

// cellKey snaps a point to its cache grid cell.
func cellKey(lat, lon float64) s2.CellID {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(lat, lon)).Parent(cacheCellLevel)
}

// ReverseGeocode returns the address for lat/lon, or nil on any failure.
func (n *Nominatim) ReverseGeocode(ctx context.Context, lat, lon float64) *string {
	if !ValidCoordinates(lat, lon) {
		return nil
	}

	key := cellKey(lat, lon)
	if address, ok := n.cache.Get(key); ok {
		n.metrics.GeocodeTotal.WithLabelValues("hit").Inc()
		return &address
	}

	address, err := n.lookup(ctx, lat, lon)
	if err != nil {
		n.metrics.GeocodeTotal.WithLabelValues("error").Inc()
		slog.Warn("reverse geocoding failed", "lat", lat, "lon", lon, "error", err)
		return nil
	}
	if address == "" {
		n.metrics.GeocodeTotal.WithLabelValues("empty").Inc()
		return nil
	}

	n.metrics.GeocodeTotal.WithLabelValues("miss").Inc()
	n.cache.Add(key, address)
	return &address
}

func (n *Nominatim) lookup(ctx context.Context, lat, lon float64) (string, error) {
	if err := n.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("lat", fmt.Sprintf("%f", lat))
	params.Set("lon", fmt.Sprintf("%f", lon))
	params.Set("format", "jsonv2")
	params.Set("addressdetails", "1")
	params.Set("zoom", "18")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/reverse?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nominatim returned status %d", resp.StatusCode)
	}

	var body nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if body.Error != "" {
		return "", fmt.Errorf("nominatim: %s", body.Error)
	}
	return formatAddress(body), nil
}

// formatAddress prefers Nominatim's display name and falls back to the parts.
func formatAddress(r nominatimResponse) string {
	if name := strings.TrimSpace(r.DisplayName); name != "" {
		return name
	}

	street := strings.TrimSpace(strings.Join([]string{r.Address.Road, r.Address.HouseNumber}, " "))
	locality := r.Address.City
	if locality == "" {
		locality = r.Address.Town
	}
	if locality == "" {
		locality = r.Address.Village
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{street, locality, r.Address.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
