// Package config loads pipeline configuration from flags and environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cvmdata/insider-pipeline/internal/discovery"
	"github.com/cvmdata/insider-pipeline/internal/reconstruct"
)

const (
	// Default values
	DefaultLogLevel    = "info"
	DefaultMaxFileSize = 50 * 1024 * 1024 // 50MB
	DefaultHTTPTimeout = 3 * time.Minute
	DefaultStartYear   = 2010

	// DefaultCategory is the disclosure category the pipeline ingests:
	// securities traded and held by insiders under CVM instruction 358
	// article 11.
	DefaultCategory = "Valores Mobiliários negociados e detidos (art. 11 da Instr. CVM nº 358)"
)

// Config holds all configuration for the insider pipeline.
type Config struct {
	// Database configuration
	DatabaseURL string

	// Discovery configuration
	Discover  bool
	Category  string
	StartYear int
	EndYear   int
	IndexURL  string

	// Processing configuration
	AnchorColumns []int
	Limit         int
	Reprocess     bool

	// Fetch configuration
	HTTPTimeout time.Duration
	MaxFileSize int64

	// Application configuration
	LogLevel string
	Trace    bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Category:      DefaultCategory,
		StartYear:     DefaultStartYear,
		EndYear:       time.Now().Year(),
		IndexURL:      discovery.DefaultIndexURL,
		AnchorColumns: append([]int(nil), reconstruct.DefaultAnchorColumns...),
		HTTPTimeout:   DefaultHTTPTimeout,
		MaxFileSize:   DefaultMaxFileSize,
		LogLevel:      DefaultLogLevel,
	}
}

// LoadFromFlags parses command line flags and returns a configuration.
func LoadFromFlags() (*Config, error) {
	cfg := DefaultConfig()

	setupViperEnvironment(cfg)
	defineCommandLineFlags(cfg)
	bindFlagsToViper()
	setupUsageMessage()

	pflag.Parse()

	populateConfigFromViper(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupViperEnvironment configures viper with environment variables and defaults.
func setupViperEnvironment(cfg *Config) {
	viper.SetEnvPrefix("INSIDERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("database-url", cfg.DatabaseURL)
	viper.SetDefault("discover", cfg.Discover)
	viper.SetDefault("category", cfg.Category)
	viper.SetDefault("start-year", cfg.StartYear)
	viper.SetDefault("end-year", cfg.EndYear)
	viper.SetDefault("index-url", cfg.IndexURL)
	viper.SetDefault("anchor-columns", cfg.AnchorColumns)
	viper.SetDefault("limit", cfg.Limit)
	viper.SetDefault("reprocess", cfg.Reprocess)
	viper.SetDefault("http-timeout", cfg.HTTPTimeout)
	viper.SetDefault("maxfilesize", cfg.MaxFileSize)
	viper.SetDefault("loglevel", cfg.LogLevel)
	viper.SetDefault("trace", cfg.Trace)
}

// defineCommandLineFlags sets up all command line flags.
func defineCommandLineFlags(cfg *Config) {
	pflag.String("database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	pflag.Bool("discover", cfg.Discover, "Ingest the regulator's filing index before processing")
	pflag.String("category", cfg.Category, "Disclosure category to ingest from the index")
	pflag.Int("start-year", cfg.StartYear, "First index year to ingest")
	pflag.Int("end-year", cfg.EndYear, "Last index year to ingest")
	pflag.String("index-url", cfg.IndexURL, "Index archive URL template (%d is the year)")
	pflag.IntSlice("anchor-columns", cfg.AnchorColumns, "Row-merge anchor column offsets, counted from the row end")
	pflag.Int("limit", cfg.Limit, "Maximum filings to process per run (0 = all)")
	pflag.Bool("reprocess", cfg.Reprocess, "Replace transactions already stored for each filing")
	pflag.Duration("http-timeout", cfg.HTTPTimeout, "HTTP request timeout")
	pflag.Int64("maxfilesize", cfg.MaxFileSize, "Maximum document size in bytes")
	pflag.String("loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	pflag.Bool("trace", cfg.Trace, "Emit trace spans to stdout")
}

// bindFlagsToViper binds command line flags to viper configuration.
func bindFlagsToViper() {
	for _, name := range []string{
		"database-url", "discover", "category", "start-year", "end-year",
		"index-url", "anchor-columns", "limit", "reprocess", "http-timeout",
		"maxfilesize", "loglevel", "trace",
	} {
		_ = viper.BindPFlag(name, pflag.Lookup(name))
	}
}

// setupUsageMessage configures the custom usage message.
func setupUsageMessage() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\ninsiderd - extracts insider transactions from CVM art. 11 filings\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --database-url=postgres://localhost/cvm   # process pending filings\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --discover --start-year=2023              # refresh the index first\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --reprocess --limit=100                   # redo the oldest 100 filings\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  INSIDERD_DATABASE_URL  PostgreSQL connection URL\n")
		fmt.Fprintf(os.Stderr, "  INSIDERD_LOGLEVEL      Log level\n")
		fmt.Fprintf(os.Stderr, "  INSIDERD_MAXFILESIZE   Maximum document size\n")
	}
}

// populateConfigFromViper fills the config struct with values from viper.
func populateConfigFromViper(cfg *Config) {
	cfg.DatabaseURL = viper.GetString("database-url")
	cfg.Discover = viper.GetBool("discover")
	cfg.Category = viper.GetString("category")
	cfg.StartYear = viper.GetInt("start-year")
	cfg.EndYear = viper.GetInt("end-year")
	cfg.IndexURL = viper.GetString("index-url")
	cfg.AnchorColumns = viper.GetIntSlice("anchor-columns")
	cfg.Limit = viper.GetInt("limit")
	cfg.Reprocess = viper.GetBool("reprocess")
	cfg.HTTPTimeout = viper.GetDuration("http-timeout")
	cfg.MaxFileSize = viper.GetInt64("maxfilesize")
	cfg.LogLevel = viper.GetString("loglevel")
	cfg.Trace = viper.GetBool("trace")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL cannot be empty")
	}

	if c.Discover {
		if c.StartYear < 2003 { // the index starts in 2003
			return fmt.Errorf("start year %d predates the index", c.StartYear)
		}
		if c.EndYear < c.StartYear {
			return fmt.Errorf("end year %d before start year %d", c.EndYear, c.StartYear)
		}
		if c.IndexURL == "" {
			return errors.New("index URL cannot be empty")
		}
	}

	if len(c.AnchorColumns) == 0 {
		return errors.New("at least one anchor column is required")
	}
	for _, col := range c.AnchorColumns {
		if col < 0 {
			return fmt.Errorf("anchor column offset %d is negative", col)
		}
	}

	if c.MaxFileSize <= 0 {
		return errors.New("maximum document size must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("HTTP timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}
