package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	CORS     CORSConfig
	Sources  SourcesConfig
	Fetch    FetchConfig
	Ingest   IngestConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string
	Env  string
	// LogLevel overrides the env's default level when set.
	LogLevel string
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	Schema   string
	PoolMin  int
	PoolMax  int
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Origins []string
}

// SourcesConfig holds the base URLs of the three remote dataset families.
type SourcesConfig struct {
	// FIADataMartURL serves {REGION}_{TABLE}.csv or .zip per region and table.
	FIADataMartURL string
	// PRISMBaseURL serves zipped BIL normals at {base}/{variable}/{month}.
	PRISMBaseURL string
	// TIGERCountyURL is the national county shapefile archive.
	TIGERCountyURL string
}

// FetchConfig controls remote downloads.
type FetchConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ChunkBytes     int
	MaxRetries     int
	ScratchDir     string
}

// IngestConfig controls chunking and concurrency of ingestion runs.
type IngestConfig struct {
	ChunkRows      int
	RegionWorkers  int
	RasterCacheTTL time.Duration
}

// Load reads configuration from environment variables.
// It uses viper to read values and provides sensible defaults for development.
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults for development
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "canopy")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_SCHEMA", "raw")
	v.SetDefault("DB_POOL_MIN", 2)
	v.SetDefault("DB_POOL_MAX", 10)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")

	v.SetDefault("FIA_DATAMART_URL", "https://apps.fs.usda.gov/fia/datamart/CSV")
	v.SetDefault("PRISM_BASE_URL", "https://services.nacse.org/prism/data/public/normals/4km")
	v.SetDefault("TIGER_COUNTY_URL", "https://www2.census.gov/geo/tiger/TIGER2023/COUNTY/tl_2023_us_county.zip")

	v.SetDefault("FETCH_CONNECT_TIMEOUT", "30s")
	v.SetDefault("FETCH_READ_TIMEOUT", "300s")
	v.SetDefault("FETCH_CHUNK_BYTES", 1<<20)
	v.SetDefault("FETCH_MAX_RETRIES", 3)
	v.SetDefault("SCRATCH_DIR", os.TempDir())

	v.SetDefault("INGEST_CHUNK_ROWS", 50000)
	v.SetDefault("INGEST_REGION_WORKERS", 2)
	v.SetDefault("RASTER_CACHE_TTL", "0s")

	// Bind environment variables
	v.AutomaticEnv()

	// Build configuration
	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("PORT"),
			Env:      v.GetString("ENV"),
			LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Schema:   v.GetString("DB_SCHEMA"),
			PoolMin:  v.GetInt("DB_POOL_MIN"),
			PoolMax:  v.GetInt("DB_POOL_MAX"),
		},
		CORS: CORSConfig{
			Origins: parseList(v.GetString("CORS_ORIGINS")),
		},
		Sources: SourcesConfig{
			FIADataMartURL: strings.TrimRight(v.GetString("FIA_DATAMART_URL"), "/"),
			PRISMBaseURL:   strings.TrimRight(v.GetString("PRISM_BASE_URL"), "/"),
			TIGERCountyURL: v.GetString("TIGER_COUNTY_URL"),
		},
		Fetch: FetchConfig{
			ConnectTimeout: v.GetDuration("FETCH_CONNECT_TIMEOUT"),
			ReadTimeout:    v.GetDuration("FETCH_READ_TIMEOUT"),
			ChunkBytes:     v.GetInt("FETCH_CHUNK_BYTES"),
			MaxRetries:     v.GetInt("FETCH_MAX_RETRIES"),
			ScratchDir:     v.GetString("SCRATCH_DIR"),
		},
		Ingest: IngestConfig{
			ChunkRows:      v.GetInt("INGEST_CHUNK_ROWS"),
			RegionWorkers:  v.GetInt("INGEST_REGION_WORKERS"),
			RasterCacheTTL: v.GetDuration("RASTER_CACHE_TTL"),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	// Validate database config
	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Database.Port == "" {
		return fmt.Errorf("DB_PORT is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.Schema == "" {
		return fmt.Errorf("DB_SCHEMA is required")
	}
	if c.Database.PoolMin < 0 {
		return fmt.Errorf("DB_POOL_MIN must be non-negative")
	}
	if c.Database.PoolMax < 1 {
		return fmt.Errorf("DB_POOL_MAX must be at least 1")
	}
	if c.Database.PoolMin > c.Database.PoolMax {
		return fmt.Errorf("DB_POOL_MIN must be less than or equal to DB_POOL_MAX")
	}

	// Validate CORS config
	if len(c.CORS.Origins) == 0 {
		return fmt.Errorf("CORS_ORIGINS is required")
	}

	// Validate remote sources
	for name, raw := range map[string]string{
		"FIA_DATAMART_URL": c.Sources.FIADataMartURL,
		"PRISM_BASE_URL":   c.Sources.PRISMBaseURL,
		"TIGER_COUNTY_URL": c.Sources.TIGERCountyURL,
	} {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	// Validate fetch config
	if c.Fetch.ConnectTimeout <= 0 {
		return fmt.Errorf("FETCH_CONNECT_TIMEOUT must be positive")
	}
	if c.Fetch.ReadTimeout <= 0 {
		return fmt.Errorf("FETCH_READ_TIMEOUT must be positive")
	}
	if c.Fetch.ConnectTimeout > c.Fetch.ReadTimeout {
		return fmt.Errorf("FETCH_CONNECT_TIMEOUT must not exceed FETCH_READ_TIMEOUT")
	}
	if c.Fetch.ChunkBytes < 1024 {
		return fmt.Errorf("FETCH_CHUNK_BYTES must be at least 1024")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("FETCH_MAX_RETRIES must be non-negative")
	}

	// Validate ingest config
	if c.Ingest.ChunkRows < 1 {
		return fmt.Errorf("INGEST_CHUNK_ROWS must be at least 1")
	}
	if c.Ingest.RegionWorkers < 1 {
		return fmt.Errorf("INGEST_REGION_WORKERS must be at least 1")
	}
	if c.Ingest.RasterCacheTTL < 0 {
		return fmt.Errorf("RASTER_CACHE_TTL must be non-negative")
	}

	return nil
}

// validateURL requires an absolute http(s) URL.
func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL host is required")
	}
	return nil
}

// parseList splits a comma-separated string into a slice of trimmed, non-empty values.
func parseList(values string) []string {
	if values == "" {
		return []string{}
	}

	parts := strings.Split(values, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
