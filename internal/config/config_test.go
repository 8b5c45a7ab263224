package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Category != DefaultCategory {
		t.Errorf("Expected default category %q, got %q", DefaultCategory, cfg.Category)
	}

	if cfg.StartYear != DefaultStartYear {
		t.Errorf("Expected default start year %d, got %d", DefaultStartYear, cfg.StartYear)
	}

	if cfg.EndYear != time.Now().Year() {
		t.Errorf("Expected default end year %d, got %d", time.Now().Year(), cfg.EndYear)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level to be 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.MaxFileSize != 50*1024*1024 {
		t.Errorf("Expected default max file size to be 50MB, got %d", cfg.MaxFileSize)
	}

	if cfg.HTTPTimeout != 3*time.Minute {
		t.Errorf("Expected default HTTP timeout to be 3m, got %s", cfg.HTTPTimeout)
	}

	if len(cfg.AnchorColumns) == 0 {
		t.Error("Expected default anchor columns to be non-empty")
	}

	if cfg.Reprocess {
		t.Error("Expected reprocess to default to false")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DatabaseURL = "postgres://localhost/cvm"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty database URL",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: true,
		},
		{
			name:    "empty anchor columns",
			mutate:  func(c *Config) { c.AnchorColumns = nil },
			wantErr: true,
		},
		{
			name:    "negative anchor offset",
			mutate:  func(c *Config) { c.AnchorColumns = []int{0, -2} },
			wantErr: true,
		},
		{
			name:   "custom anchor offsets",
			mutate: func(c *Config) { c.AnchorColumns = []int{0} },
		},
		{
			name:    "zero max file size",
			mutate:  func(c *Config) { c.MaxFileSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero HTTP timeout",
			mutate:  func(c *Config) { c.HTTPTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
		{
			name:   "discovery window valid",
			mutate: func(c *Config) { c.Discover = true; c.StartYear = 2020; c.EndYear = 2024 },
		},
		{
			name:    "discovery window inverted",
			mutate:  func(c *Config) { c.Discover = true; c.StartYear = 2024; c.EndYear = 2020 },
			wantErr: true,
		},
		{
			name:    "discovery start before the index exists",
			mutate:  func(c *Config) { c.Discover = true; c.StartYear = 1999 },
			wantErr: true,
		},
		{
			name: "inverted window ignored without discovery",
			mutate: func(c *Config) {
				c.Discover = false
				c.StartYear = 2024
				c.EndYear = 2020
			},
		},
		{
			name:    "discovery empty index URL",
			mutate:  func(c *Config) { c.Discover = true; c.IndexURL = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("INSIDERD_LOGLEVEL", "debug")
	t.Setenv("INSIDERD_DATABASE_URL", "postgres://env-host/cvm")
	t.Setenv("INSIDERD_REPROCESS", "true")

	cfg := DefaultConfig()
	setupViperEnvironment(cfg)
	populateConfigFromViper(cfg)

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level from environment to be 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.DatabaseURL != "postgres://env-host/cvm" {
		t.Errorf("Expected database URL from environment, got '%s'", cfg.DatabaseURL)
	}
	if !cfg.Reprocess {
		t.Error("Expected reprocess from environment to be true")
	}
}
