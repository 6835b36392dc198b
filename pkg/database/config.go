package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// LoadConfigFromEnv assembles the connection config from the environment.
// DATABASE_URL, when set, wins over the individual DB_* variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		URL:             os.Getenv("DATABASE_URL"),
		Host:            envOr("DB_HOST", "localhost"),
		User:            envOr("DB_USER", "crewd"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        envOr("DB_NAME", "crewd"),
		SSLMode:         envOr("DB_SSLMODE", "disable"),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}

	var err error
	if cfg.Port, err = envInt("DB_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.MaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return Config{}, err
	}
	if cfg.MaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
