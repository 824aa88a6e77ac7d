package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Database      DatabaseConfig
	Import        ImportConfig
	Lookup        LookupConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig
	Gemini        GeminiConfig
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// ImportConfig controls the ingestion pipeline.
type ImportConfig struct {
	// SchemaDetector is "heuristic" or "llm".
	SchemaDetector  string
	DefaultCurrency string
	ArchiveDir      string
	// Suggestions asks Gemini about rows no rule matched.
	Suggestions             bool
	SuggestionMinConfidence float64
	EnhancementLimit        int
}

type LookupConfig struct {
	ChunkSize    int
	CacheEnabled bool
}

type WorkerConfig struct {
	Count           int
	PollInterval    time.Duration
	DrainsPerSecond float64
	CleanupSchedule string
	JobRetention    time.Duration
	MaxRetries      int
}

type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	MetricsPort    int
}

// Load reads configuration from environment variables, after loading a
// .env file when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnv("POSTGRES_HOST", "localhost"),
			Port:            getEnvAsInt("POSTGRES_PORT", 5469),
			User:            getEnv("POSTGRES_USER", "postgres"),
			Password:        getEnv("POSTGRES_PASSWORD", "postgres"),
			Database:        getEnv("POSTGRES_DB", "statements-dev"),
			SSLMode:         getEnv("POSTGRES_SSLMODE", "disable"),
			MaxConns:        getEnvAsInt("POSTGRES_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("POSTGRES_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("POSTGRES_MAX_CONN_LIFETIME", time.Hour),
			MaxConnIdleTime: getEnvAsDuration("POSTGRES_MAX_CONN_IDLE_TIME", 30*time.Minute),
		},
		Import: ImportConfig{
			SchemaDetector:  getEnv("IMPORT_SCHEMA_DETECTOR", "heuristic"),
			DefaultCurrency: getEnv("IMPORT_DEFAULT_CURRENCY", "EUR"),
			ArchiveDir:      getEnv("IMPORT_ARCHIVE_DIR", ""),

			Suggestions:             getEnvAsBool("IMPORT_SUGGESTIONS", false),
			SuggestionMinConfidence: getEnvAsFloat("IMPORT_SUGGESTION_MIN_CONFIDENCE", 0.7),
			EnhancementLimit:        getEnvAsInt("IMPORT_ENHANCEMENT_LIMIT", 0),
		},
		Lookup: LookupConfig{
			ChunkSize:    getEnvAsInt("LOOKUP_CHUNK_SIZE", 100),
			CacheEnabled: getEnvAsBool("LOOKUP_CACHE_ENABLED", true),
		},
		Worker: WorkerConfig{
			Count:           getEnvAsInt("WORKER_COUNT", 2),
			PollInterval:    getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			DrainsPerSecond: getEnvAsFloat("WORKER_DRAINS_PER_SECOND", 1),
			CleanupSchedule: getEnv("WORKER_CLEANUP_SCHEDULE", "0 3 * * *"),
			JobRetention:    getEnvAsDuration("WORKER_JOB_RETENTION", 7*24*time.Hour),
			MaxRetries:      getEnvAsInt("WORKER_MAX_RETRIES", 3),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		},
		Gemini: GeminiConfig{
			APIKey: getEnv("GEMINI_API_KEY", ""),
			Model:  getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Import.SchemaDetector {
	case "heuristic":
	case "llm":
		if c.Gemini.APIKey == "" {
			return errors.New("GEMINI_API_KEY is required when IMPORT_SCHEMA_DETECTOR=llm")
		}
	default:
		return fmt.Errorf("unknown IMPORT_SCHEMA_DETECTOR %q", c.Import.SchemaDetector)
	}

	if c.Import.Suggestions && c.Gemini.APIKey == "" {
		return errors.New("GEMINI_API_KEY is required when IMPORT_SUGGESTIONS=true")
	}
	if c.Import.SuggestionMinConfidence < 0 || c.Import.SuggestionMinConfidence > 1 {
		return errors.New("IMPORT_SUGGESTION_MIN_CONFIDENCE must be between 0 and 1")
	}
	if c.Lookup.ChunkSize <= 0 {
		return errors.New("LOOKUP_CHUNK_SIZE must be positive")
	}
	if c.Worker.Count <= 0 {
		return errors.New("WORKER_COUNT must be positive")
	}
	if c.Worker.DrainsPerSecond <= 0 {
		return errors.New("WORKER_DRAINS_PER_SECOND must be positive")
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
