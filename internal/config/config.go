// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/fieldguard/internal/geo"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Collaborators (all optional; in-memory or disabled when empty)
	DatabaseURL   string
	RedisURL      string
	OTLPEndpoint  string
	ClassifierURL string
	WebhookSecret string

	// Geofencing
	GeoToleranceMeters float64
	GeoTolerances      string // "warehouse=250,customer=100"

	// QR ledger
	QRReplayThreshold int

	// Custody
	DepositDeadline          time.Duration
	SweepInterval            time.Duration
	LateIncrement            float64
	CollectionBlockThreshold float64

	// Risk engine
	ClassifierWeight float64
	DecayCooldown    time.Duration
	DecayFactor      float64
	DecayFloor       float64
	DecayInterval    time.Duration

	// Route auditing
	RouteMaxDistanceKm            float64
	RouteMaxStops                 int
	RouteWorkingHours             float64
	RouteDwellMinutes             float64
	RouteSpeedKmh                 float64
	RouteDeviationToleranceMeters float64
}

// Defaults
const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultGeoToleranceMeters       = 100.0
	DefaultQRReplayThreshold        = 3
	DefaultDepositDeadline          = 24 * time.Hour
	DefaultSweepInterval            = time.Minute
	DefaultLateIncrement            = 0.05
	DefaultCollectionBlockThreshold = 0.7
	DefaultClassifierWeight         = 0.3
	DefaultDecayCooldown            = 30 * 24 * time.Hour
	DefaultDecayFactor              = 0.5
	DefaultDecayFloor               = 0.0
	DefaultDecayInterval            = time.Hour
	DefaultRouteMaxDistanceKm       = 200.0
	DefaultRouteMaxStops            = 8
	DefaultRouteWorkingHours        = 8.0
	DefaultRouteDwellMinutes        = 45.0
	DefaultRouteSpeedKmh            = 40.0
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	logFormat := "json"
	if env == "development" {
		logFormat = "text"
	}

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           env,
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", logFormat),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ClassifierURL: os.Getenv("CLASSIFIER_URL"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		GeoToleranceMeters: getEnvFloat("GEO_TOLERANCE_METERS", DefaultGeoToleranceMeters),
		GeoTolerances:      os.Getenv("GEO_TOLERANCES"),

		QRReplayThreshold: int(getEnvInt64("QR_REPLAY_THRESHOLD", DefaultQRReplayThreshold)),

		DepositDeadline:          getEnvDuration("DEPOSIT_DEADLINE", DefaultDepositDeadline),
		SweepInterval:            getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		LateIncrement:            getEnvFloat("LATE_INCREMENT", DefaultLateIncrement),
		CollectionBlockThreshold: getEnvFloat("COLLECTION_BLOCK_THRESHOLD", DefaultCollectionBlockThreshold),

		ClassifierWeight: getEnvFloat("CLASSIFIER_WEIGHT", DefaultClassifierWeight),
		DecayCooldown:    getEnvDuration("DECAY_COOLDOWN", DefaultDecayCooldown),
		DecayFactor:      getEnvFloat("DECAY_FACTOR", DefaultDecayFactor),
		DecayFloor:       getEnvFloat("DECAY_FLOOR", DefaultDecayFloor),
		DecayInterval:    getEnvDuration("DECAY_INTERVAL", DefaultDecayInterval),

		RouteMaxDistanceKm:            getEnvFloat("ROUTE_MAX_DISTANCE_KM", DefaultRouteMaxDistanceKm),
		RouteMaxStops:                 int(getEnvInt64("ROUTE_MAX_STOPS", DefaultRouteMaxStops)),
		RouteWorkingHours:             getEnvFloat("ROUTE_WORKING_HOURS", DefaultRouteWorkingHours),
		RouteDwellMinutes:             getEnvFloat("ROUTE_DWELL_MINUTES", DefaultRouteDwellMinutes),
		RouteSpeedKmh:                 getEnvFloat("ROUTE_SPEED_KMH", DefaultRouteSpeedKmh),
		RouteDeviationToleranceMeters: getEnvFloat("ROUTE_DEVIATION_TOLERANCE_METERS", DefaultGeoToleranceMeters),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the tunables are within their meaningful ranges.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.GeoToleranceMeters <= 0 {
		return fmt.Errorf("GEO_TOLERANCE_METERS must be positive")
	}
	if _, err := geo.ParseTolerances(c.GeoToleranceMeters, c.GeoTolerances); err != nil {
		return fmt.Errorf("GEO_TOLERANCES: %w", err)
	}
	if c.QRReplayThreshold < 1 {
		return fmt.Errorf("QR_REPLAY_THRESHOLD must be at least 1")
	}
	if c.DepositDeadline <= 0 {
		return fmt.Errorf("DEPOSIT_DEADLINE must be positive")
	}
	if c.SweepInterval <= 0 || c.DecayInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and DECAY_INTERVAL must be positive")
	}
	for name, v := range map[string]float64{
		"LATE_INCREMENT":             c.LateIncrement,
		"COLLECTION_BLOCK_THRESHOLD": c.CollectionBlockThreshold,
		"CLASSIFIER_WEIGHT":          c.ClassifierWeight,
		"DECAY_FACTOR":               c.DecayFactor,
		"DECAY_FLOOR":                c.DecayFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1]", name)
		}
	}
	if c.DecayCooldown <= 0 {
		return fmt.Errorf("DECAY_COOLDOWN must be positive")
	}
	if c.RouteMaxDistanceKm <= 0 || c.RouteMaxStops <= 0 || c.RouteWorkingHours <= 0 || c.RouteSpeedKmh <= 0 {
		return fmt.Errorf("route caps and travel speed must be positive")
	}
	if c.RouteDwellMinutes < 0 || c.RouteDeviationToleranceMeters <= 0 {
		return fmt.Errorf("ROUTE_DWELL_MINUTES must be non-negative and ROUTE_DEVIATION_TOLERANCE_METERS positive")
	}
	return nil
}

// Tolerances returns the parsed per-kind geofence radii.
func (c *Config) Tolerances() geo.Tolerances {
	t, err := geo.ParseTolerances(c.GeoToleranceMeters, c.GeoTolerances)
	if err != nil {
		return geo.NewTolerances(c.GeoToleranceMeters)
	}
	return t
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
