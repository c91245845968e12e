// Package config provides configuration loading for the LuluTracker service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set variables, so OS env wins over .env files.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the LuluTracker service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); empty selects the memory store
	NATSURL     string // NATS server URL; empty selects the in-process change feed

	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // Pet photo bucket; empty disables photo uploads
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Key set URL; defaults to the issuer's well-known path
	IdentityURL string // Identity service URL for user lookups

	NominatimURL      string // Reverse geocoding endpoint; empty disables address lookup
	GeocoderUserAgent string // User-Agent sent to Nominatim, required by its usage policy

	// Realtime tuning
	PollInterval     time.Duration // Notification refresh interval per session
	CloseGrace       time.Duration // Delay before a torn down channel is closed
	SubscribeTimeout time.Duration // Bound on waiting for a subscribe confirmation

	PublicBaseURL      string   // Base of the profile URL encoded into pet tags
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort              = "8080"
	defaultS3Region          = "us-east-1"
	defaultEnv               = "dev"
	defaultGeocoderUserAgent = "LuluTracker/1.0 (https://lulutracker.app)"
	defaultPublicBaseURL     = "http://localhost:8080"
	defaultPollInterval      = 5 * time.Minute
	defaultCloseGrace        = 100 * time.Millisecond
	defaultSubscribeTimeout  = 10 * time.Second
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:               getEnv("LULU_ENV", defaultEnv),
		Port:              getEnv("LULU_PORT", defaultPort),
		DatabaseDSN:       os.Getenv("LULU_DB_DSN"),
		NATSURL:           os.Getenv("LULU_NATS_URL"),
		S3Endpoint:        os.Getenv("LULU_S3_ENDPOINT"),
		S3Region:          getEnv("LULU_S3_REGION", defaultS3Region),
		S3Bucket:          os.Getenv("LULU_S3_BUCKET"),
		S3AccessKey:       os.Getenv("LULU_S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("LULU_S3_SECRET_KEY"),
		JWTIssuer:         os.Getenv("LULU_JWT_ISSUER"),
		JWTAudience:       os.Getenv("LULU_JWT_AUDIENCE"),
		JWKSURL:           os.Getenv("LULU_JWKS_URL"),
		IdentityURL:       os.Getenv("IDENTITY_URL"),
		NominatimURL:      os.Getenv("LULU_NOMINATIM_URL"),
		GeocoderUserAgent: getEnv("LULU_GEOCODER_USER_AGENT", defaultGeocoderUserAgent),
		PublicBaseURL:     getEnv("LULU_PUBLIC_BASE_URL", defaultPublicBaseURL),
	}

	var err error
	if cfg.PollInterval, err = getDuration("LULU_POLL_INTERVAL", defaultPollInterval); err != nil {
		return cfg, err
	}
	if cfg.CloseGrace, err = getDuration("LULU_CLOSE_GRACE", defaultCloseGrace); err != nil {
		return cfg, err
	}
	if cfg.SubscribeTimeout, err = getDuration("LULU_SUBSCRIBE_TIMEOUT", defaultSubscribeTimeout); err != nil {
		return cfg, err
	}

	if corsOrigins, exists := os.LookupEnv("LULU_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(corsOrigins)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("LULU_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("LULU_JWT_AUDIENCE is required")
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimRight(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getDuration parses a Go duration such as 250ms, or a plain number of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a non-negative duration, got %q", key, v)
	}
	return d, nil
}

// splitList splits a comma separated value and drops empty entries
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
