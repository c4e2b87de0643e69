package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds run-level scraper configuration. Per-store settings live in
// StoreProfile.
type Config struct {
	ProfilesFile     string
	Store            string
	DBDriver         string // sqlite or postgres
	DBDSN            string
	ExportDir        string
	ExportFormat     string // csv, json, or dual
	Workers          string // category workers per store: a number or "auto"
	ProbeTimeout     time.Duration
	Discover         bool
	HistoryRetention time.Duration
	MetricsAddr      string
	UserAgent        string
	Verbose          bool
}

// DefaultConfig returns conservative defaults: one category at a time
// against a local SQLite file.
func DefaultConfig() *Config {
	return &Config{
		DBDriver:         "sqlite",
		DBDSN:            "products.db",
		ExportDir:        "CSVs",
		ExportFormat:     "csv",
		Workers:          "1",
		ProbeTimeout:     10 * time.Second,
		Discover:         true,
		HistoryRetention: 0,
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0 Safari/537.36",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("db driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("db dsn cannot be empty")
	}
	if c.ExportDir == "" {
		return fmt.Errorf("export dir cannot be empty")
	}
	if c.ExportFormat != "csv" && c.ExportFormat != "json" && c.ExportFormat != "dual" {
		return fmt.Errorf("export format must be csv, json, or dual")
	}
	if c.Workers != "auto" {
		n, err := strconv.Atoi(c.Workers)
		if err != nil || n <= 0 {
			return fmt.Errorf("workers must be a positive number or auto")
		}
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}
	if c.HistoryRetention < 0 {
		return fmt.Errorf("history retention cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}

// EnvString returns the trimmed value of key and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer. ok is false when the variable is unset.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}
