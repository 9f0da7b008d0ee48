// Package config reads the service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL       string
	ServerAddr        string
	RedisAddr         string
	RedisPassword     string
	TicketSecret      []byte
	LoanPeriod        time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	ScanRatePerSecond float64
	CORSOrigins       []string
	OTLPEndpoint      string
	LogLevel          slog.Level
}

const minTicketSecretLen = 32

var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL environment variable is required")
	ErrShortTicketSecret  = fmt.Errorf("TICKET_SECRET must be at least %d bytes", minTicketSecretLen)
)

// Load reads an optional .env file from the working directory and then the
// process environment. Variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables alone.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ServerAddr:    get("SERVER_ADDR", ":8080"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		TicketSecret:  []byte(os.Getenv("TICKET_SECRET")),
		CORSOrigins:   splitCSV(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	if len(cfg.TicketSecret) < minTicketSecretLen {
		return nil, ErrShortTicketSecret
	}

	var err error
	if cfg.LoanPeriod, err = positiveDuration("LOAN_PERIOD", "336h"); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = positiveDuration("SWEEP_INTERVAL", "1m"); err != nil {
		return nil, err
	}
	if cfg.SweepBatchSize, err = strconv.Atoi(get("SWEEP_BATCH_SIZE", "500")); err != nil || cfg.SweepBatchSize <= 0 {
		return nil, fmt.Errorf("SWEEP_BATCH_SIZE must be a positive integer")
	}
	if cfg.ScanRatePerSecond, err = strconv.ParseFloat(get("SCAN_RATE_PER_SECOND", "20"), 64); err != nil || cfg.ScanRatePerSecond <= 0 {
		return nil, fmt.Errorf("SCAN_RATE_PER_SECOND must be a positive number")
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func get(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func positiveDuration(k, def string) (time.Duration, error) {
	d, err := time.ParseDuration(get(k, def))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", k)
	}
	return d, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
