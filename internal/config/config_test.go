package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultGeoToleranceMeters, cfg.GeoToleranceMeters)
	assert.Equal(t, DefaultQRReplayThreshold, cfg.QRReplayThreshold)
	assert.Equal(t, 24*time.Hour, cfg.DepositDeadline)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 0.05, cfg.LateIncrement)
	assert.Equal(t, 30*24*time.Hour, cfg.DecayCooldown)
	assert.Equal(t, 200.0, cfg.RouteMaxDistanceKm)
	assert.Equal(t, 8, cfg.RouteMaxStops)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "QR_REPLAY_THRESHOLD", "5")
	setEnv(t, "DEPOSIT_DEADLINE", "12h")
	setEnv(t, "GEO_TOLERANCES", "warehouse=250")
	setEnv(t, "ROUTE_MAX_STOPS", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.QRReplayThreshold)
	assert.Equal(t, 12*time.Hour, cfg.DepositDeadline)
	assert.Equal(t, 250.0, cfg.Tolerances().For("warehouse"))
	assert.Equal(t, 100.0, cfg.Tolerances().For("customer"))
	assert.Equal(t, 12, cfg.RouteMaxStops)
}

func TestLoad_InvalidTolerances(t *testing.T) {
	setEnv(t, "GEO_TOLERANCES", "warehouse")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEO_TOLERANCES")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:                          "8080",
			GeoToleranceMeters:            100,
			QRReplayThreshold:             3,
			DepositDeadline:               24 * time.Hour,
			SweepInterval:                 time.Minute,
			DecayInterval:                 time.Hour,
			LateIncrement:                 0.05,
			CollectionBlockThreshold:      0.7,
			ClassifierWeight:              0.3,
			DecayCooldown:                 720 * time.Hour,
			DecayFactor:                   0.5,
			RouteMaxDistanceKm:            200,
			RouteMaxStops:                 8,
			RouteWorkingHours:             8,
			RouteDwellMinutes:             45,
			RouteSpeedKmh:                 40,
			RouteDeviationToleranceMeters: 100,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing port", func(c *Config) { c.Port = "" }, "PORT"},
		{"zero replay threshold", func(c *Config) { c.QRReplayThreshold = 0 }, "QR_REPLAY_THRESHOLD"},
		{"increment above one", func(c *Config) { c.LateIncrement = 1.5 }, "LATE_INCREMENT"},
		{"negative deadline", func(c *Config) { c.DepositDeadline = -time.Second }, "DEPOSIT_DEADLINE"},
		{"zero speed", func(c *Config) { c.RouteSpeedKmh = 0 }, "route caps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
