// Package config reads server settings from the environment, after
// loading a .env file when one is present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store selects the durable document repository.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

type Config struct {
	Addr             string
	Store            string
	FirestoreProject string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	FlushInterval    time.Duration
	AuthSecret       string
}

// Load reads the given env files (".env" when none are named) and then
// the process environment. A missing file is not an error; variables
// already set in the environment win over file values.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		Addr:             get("ADDR", ":8080"),
		Store:            get("STORE", StoreMemory),
		FirestoreProject: os.Getenv("FIRESTORE_PROJECT"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		AuthSecret:       os.Getenv("AUTH_SECRET"),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(get("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	if cfg.FlushInterval, err = time.ParseDuration(get("FLUSH_INTERVAL", "10m")); err != nil {
		return nil, fmt.Errorf("FLUSH_INTERVAL: %w", err)
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreFirestore:
		if c.FirestoreProject == "" {
			return errors.New("STORE=firestore requires FIRESTORE_PROJECT")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", c.FlushInterval)
	}
	if c.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required")
	}
	return nil
}

func get(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
