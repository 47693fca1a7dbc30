package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// MongoDB Configuration
	MongoURI         string
	MongoDatabase    string
	MongoTimeout     time.Duration
	MongoMaxPoolSize int

	// HTTP Server Configuration
	HTTPPort         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// Backend Configuration
	BackendURL      string
	BackendTimeout  time.Duration
	BackendToken    string
	BackendUser     string
	BackendPassword string

	// Backend circuit breaker. Zero failures disables it.
	BreakerFailures    int
	BreakerOpenTimeout time.Duration

	// Job monitor Configuration
	PollInterval  time.Duration
	PollMaxErrors int

	// Job config poller Configuration
	JobConfigPollSchedule string
	PollerConcurrency     int
	PollerEnabled         bool
	PollerWatchTTL        time.Duration
	PollerMaxFailures     int

	// Archive Configuration
	ArchiveEnabled bool
	ArchiveWorkers int
	ArchiveMemory  int

	// JobCacheSize caps the number of cached job infos
	JobCacheSize int

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// CORS Configuration
	CORSAllowedOrigins   string
	CORSAllowedMethods   string
	CORSAllowedHeaders   string
	CORSAllowCredentials bool
	CORSMaxAge           int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: Failed to load .env file: %v", err)
	}

	return &Config{
		// MongoDB
		MongoURI:         getEnv("MONGO_URI", "mongodb://localhost:27017/dcm?authSource=admin"),
		MongoDatabase:    getEnv("MONGO_DATABASE", "dcm"),
		MongoTimeout:     getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,
		MongoMaxPoolSize: getIntEnv("MONGO_MAX_POOL_SIZE", 50),

		// HTTP Server
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		HTTPReadTimeout:  getDurationEnv("HTTP_READ_TIMEOUT_SEC", 30) * time.Second,
		HTTPWriteTimeout: getDurationEnv("HTTP_WRITE_TIMEOUT_SEC", 30) * time.Second,

		// Backend
		BackendURL:      getEnv("BACKEND_URL", "http://localhost:5000"),
		BackendTimeout:  getDurationEnv("BACKEND_TIMEOUT_SEC", 30) * time.Second,
		BackendToken:    getEnv("BACKEND_TOKEN", ""),
		BackendUser:     getEnv("BACKEND_USER", ""),
		BackendPassword: getEnv("BACKEND_PASSWORD", ""),

		// Backend circuit breaker
		BreakerFailures:    getIntEnv("BACKEND_BREAKER_FAILURES", 10),
		BreakerOpenTimeout: getDurationEnv("BACKEND_BREAKER_OPEN_SEC", 30) * time.Second,

		// Job monitor
		PollInterval:  getDurationEnv("POLL_INTERVAL_MS", 1000) * time.Millisecond,
		PollMaxErrors: getIntEnv("POLL_MAX_ERRORS", 5),

		// Job config poller
		JobConfigPollSchedule: getEnv("JOB_CONFIG_POLL_SCHEDULE", "@every 1s"),
		PollerConcurrency:     getIntEnv("POLLER_CONCURRENCY", 4),
		PollerEnabled:         getBoolEnv("POLLER_ENABLED", true),
		PollerWatchTTL:        getDurationEnv("JOB_CONFIG_WATCH_TTL_SEC", 60) * time.Second,
		PollerMaxFailures:     getIntEnv("JOB_CONFIG_MAX_FAILURES", 5),

		// Archive
		ArchiveEnabled: getBoolEnv("ARCHIVE_ENABLED", true),
		ArchiveWorkers: getIntEnv("ARCHIVE_WORKERS", 2),
		ArchiveMemory:  getIntEnv("ARCHIVE_MEMORY", 10000),

		JobCacheSize: getIntEnv("JOB_CACHE_SIZE", 1000),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// CORS
		CORSAllowedOrigins:   getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSAllowedMethods:   getEnv("CORS_ALLOWED_METHODS", "GET, POST, PUT, PATCH, DELETE, OPTIONS"),
		CORSAllowedHeaders:   getEnv("CORS_ALLOWED_HEADERS", "*"),
		CORSAllowCredentials: getBoolEnv("CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAge:           getIntEnv("CORS_MAX_AGE", 3600),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
