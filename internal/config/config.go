// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries all environment-driven settings. Load it once in the
// composition root and pass pieces down; packages never read the
// environment themselves.
type Config struct {
	Port string
	Dev  bool

	PostgresURL string
	RedisAddr   string
	RedisDB     int

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	ProcessInterval time.Duration // scheduler tick
	MinGroupSize    int
	RequestTTL      time.Duration // searching -> expired
	LockTTL         time.Duration // finalization lease
	AutoStartDelay  time.Duration // lobby ready -> active

	NotifyQueueName string
}

// Load reads the environment with defaults suitable for development.
func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),
		Dev:  getEnv("APP_ENV", "development") != "production",

		PostgresURL: postgresURL(),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "playsquad"),
		JWTAudience: getEnv("JWT_AUDIENCE", "playsquad-clients"),

		ProcessInterval: getEnvDuration("MM_PROCESS_INTERVAL", 5*time.Second),
		MinGroupSize:    getEnvInt("MM_MIN_GROUP_SIZE", 2),
		RequestTTL:      getEnvDuration("MM_REQUEST_TTL", 10*time.Minute),
		LockTTL:         getEnvDuration("MM_LOCK_TTL", 30*time.Second),
		AutoStartDelay:  getEnvDuration("LOBBY_AUTO_START_DELAY", 5*time.Second),

		NotifyQueueName: getEnv("NOTIFY_QUEUE_NAME", "mm_notifications"),
	}
}

func postgresURL() string {
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		return url
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		getEnv("POSTGRES_USER", "postgres"),
		getEnv("POSTGRES_PASSWORD", "postgres"),
		getEnv("PG_HOST", "localhost"),
		getEnv("PG_PORT", "5432"),
		getEnv("PG_DATABASE", "playsquad"),
	)
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// getEnvDuration is a helper to parse an environment variable as a duration,
// else a default value.
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
