package common

import (
	"encoding/hex"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Spool    SpoolConfig
	OCR      OCRConfig
	AI       AIConfig
	Jobs     JobsConfig
	Dedupe   DedupeConfig
	DLQ      DLQConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // "postgres" or "sqlite"
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr string
}

// SpoolConfig holds upload spool configuration
type SpoolConfig struct {
	Dir string
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Pdftotext      string
	Pdftoppm       string
	Tesseract      string
	TesseractLang  string
	DPI            int
	MaxPages       int
	MaxImagePixels int
	PageTimeout    time.Duration
	MaxConcurrent  int64
	MemoryCeiling  uint64 // bytes of heap in use above which admission fails
	StageTimeout   time.Duration
	MaxTextBytes   int
	MinTextChars   int
}

// AIConfig holds extraction-service configuration
type AIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float32
	CallTimeout  time.Duration
	MaxInputLen  int
	Timezone     string
}

// JobsConfig holds orchestrator limits
type JobsConfig struct {
	Workers          int
	QueueSize        int
	OwnerQuota       int
	RateWindow       time.Duration
	RateLimit        int
	MaxStageAttempts int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	JobRetention     time.Duration
	PollInterval     time.Duration
	StageTimeout     time.Duration
}

// DedupeConfig holds duplicate-detection thresholds
type DedupeConfig struct {
	TitleThreshold   float64
	OverallThreshold float64
	LowBand          float64
	HighBand         float64
}

// DLQConfig holds dead-letter store configuration
type DLQConfig struct {
	EncryptionKey    []byte // 32 bytes; empty disables inline payload retention
	MaxInlinePayload int64
	Retention        time.Duration
	MaxRetries       int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Spool: SpoolConfig{
			Dir: getEnv("SPOOL_DIR", "./spool"),
		},
		OCR: OCRConfig{
			Pdftotext:      getEnv("PDFTOTEXT_BIN", "pdftotext"),
			Pdftoppm:       getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Tesseract:      getEnv("TESSERACT_BIN", "tesseract"),
			TesseractLang:  getEnv("TESSERACT_LANG", "eng"),
			DPI:            getEnvAsInt("OCR_DPI", 300),
			MaxPages:       getEnvAsInt("OCR_MAX_PAGES", 20),
			MaxImagePixels: getEnvAsInt("OCR_MAX_IMAGE_PIXELS", 25_000_000),
			PageTimeout:    getEnvAsDuration("OCR_PAGE_TIMEOUT", 30*time.Second),
			MaxConcurrent:  int64(getEnvAsInt("OCR_MAX_CONCURRENT", 2)),
			MemoryCeiling:  uint64(getEnvAsInt("OCR_MEMORY_CEILING_MB", 1024)) << 20,
			StageTimeout:   getEnvAsDuration("EXTRACT_TIMEOUT", 5*time.Minute),
			MaxTextBytes:   getEnvAsInt("EXTRACT_MAX_TEXT_BYTES", 200_000),
			MinTextChars:   getEnvAsInt("EXTRACT_MIN_TEXT_CHARS", 80),
		},
		AI: AIConfig{
			BaseURL:     getEnv("AI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      getEnv("AI_API_KEY", ""),
			Model:       getEnv("AI_MODEL", "gpt-4o-mini"),
			Temperature: getEnvAsFloat32("AI_TEMPERATURE", 0.0),
			CallTimeout: getEnvAsDuration("AI_TIMEOUT", 45*time.Second),
			MaxInputLen: getEnvAsInt("AI_MAX_INPUT_LEN", 24_000),
			Timezone:    getEnv("AI_TIMEZONE", ""),
		},
		Jobs: JobsConfig{
			Workers:          getEnvAsInt("JOB_WORKERS", 4),
			QueueSize:        getEnvAsInt("JOB_QUEUE_SIZE", 256),
			OwnerQuota:       getEnvAsInt("JOB_OWNER_QUOTA", 3),
			RateWindow:       getEnvAsDuration("JOB_RATE_WINDOW", time.Hour),
			RateLimit:        getEnvAsInt("JOB_RATE_LIMIT", 20),
			MaxStageAttempts: getEnvAsInt("JOB_MAX_STAGE_ATTEMPTS", 3),
			BackoffBase:      getEnvAsDuration("JOB_BACKOFF_BASE", 5*time.Second),
			BackoffMax:       getEnvAsDuration("JOB_BACKOFF_MAX", 5*time.Minute),
			JobRetention:     getEnvAsDuration("JOB_RETENTION", 30*24*time.Hour),
			PollInterval:     getEnvAsDuration("JOB_POLL_INTERVAL", 2*time.Second),
			StageTimeout:     getEnvAsDuration("JOB_STAGE_TIMEOUT", 10*time.Minute),
		},
		Dedupe: DedupeConfig{
			TitleThreshold:   getEnvAsFloat64("DEDUPE_TITLE_THRESHOLD", 0.75),
			OverallThreshold: getEnvAsFloat64("DEDUPE_OVERALL_THRESHOLD", 0.65),
			LowBand:          getEnvAsFloat64("DEDUPE_LOW_BAND", 0.45),
			HighBand:         getEnvAsFloat64("DEDUPE_HIGH_BAND", 0.80),
		},
		DLQ: DLQConfig{
			EncryptionKey:    getEnvAsHexKey("DLQ_ENCRYPTION_KEY"),
			MaxInlinePayload: int64(getEnvAsInt("DLQ_MAX_INLINE_KB", 512)) << 10,
			Retention:        getEnvAsDuration("DLQ_RETENTION", 14*24*time.Hour),
			MaxRetries:       getEnvAsInt("DLQ_MAX_RETRIES", 3),
		},
	}
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", ClassRejection, "DB_URL is required", ErrInvalidInput)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return NewAppError("CONFIG_ERROR", ClassRejection, "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.AI.APIKey == "" {
		return NewAppError("CONFIG_ERROR", ClassRejection, "AI_API_KEY is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", ClassRejection, "HTTP_ADDR is required", ErrInvalidInput)
	}
	if k := len(c.DLQ.EncryptionKey); k != 0 && k != 32 {
		return NewAppError("CONFIG_ERROR", ClassRejection, "DLQ_ENCRYPTION_KEY must be 32 hex-encoded bytes", ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsHexKey(key string) []byte {
	if value := os.Getenv(key); value != "" {
		if b, err := hex.DecodeString(value); err == nil {
			return b
		}
	}
	return nil
}
