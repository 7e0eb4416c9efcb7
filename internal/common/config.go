package common

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const configPathEnv = "ORDOSCAN_CONFIG"

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	OCR      OCRConfig      `yaml:"ocr"`
	LLM      LLMConfig      `yaml:"llm"`
	Storage  StorageConfig  `yaml:"storage"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// DatabaseConfig holds prescription-store connection details.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"-"`
	MaxConnIdleTime time.Duration `yaml:"-"`
	DialTimeout     time.Duration `yaml:"-"`
}

// QueueConfig holds job-queue tuning: one worker pool per stage.
type QueueConfig struct {
	Path                string        `yaml:"path"`
	ExtractionWorkers   int           `yaml:"extractionWorkers"`
	AnalysisWorkers     int           `yaml:"analysisWorkers"`
	NotificationWorkers int           `yaml:"notificationWorkers"`
	MaxAttempts         int           `yaml:"maxAttempts"`
	PollInterval        time.Duration `yaml:"-"`
	ExtractionBackoff   time.Duration `yaml:"-"`
	AnalysisBackoff     time.Duration `yaml:"-"`
	NotificationBackoff time.Duration `yaml:"-"`
	MaxBackoff          time.Duration `yaml:"-"`
}

// OCRConfig holds recognition-engine configuration.
type OCRConfig struct {
	Tesseract          string        `yaml:"tesseract"`
	TessdataDir        string        `yaml:"tessdataDir"`
	SupportedLanguages []string      `yaml:"supportedLanguages"`
	DefaultLanguage    string        `yaml:"defaultLanguage"`
	MinConfidence      float32       `yaml:"minConfidence"`
	PSM                int           `yaml:"psm"`
	CallTimeout        time.Duration `yaml:"-"`
}

// LLMConfig holds language-model service configuration.
type LLMConfig struct {
	BaseURL     string        `yaml:"baseUrl"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"-"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"-"`
}

// StorageConfig holds uploaded-image storage configuration.
type StorageConfig struct {
	ImageRoot string `yaml:"imageRoot"`
}

// NotifyConfig holds the patient-record notification endpoint.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	Timeout    time.Duration `yaml:"-"`
}

// LoadConfig builds configuration from defaults, an optional YAML file pointed
// to by ORDOSCAN_CONFIG, and environment variable overrides (in that order).
func LoadConfig() *Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			slog.Warn("config file unreadable, using defaults", "path", path, "error", err)
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			slog.Warn("config file unparsable, using defaults", "path", path, "error", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxConns:        20,
			MinConns:        5,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     3 * time.Second,
		},
		Queue: QueueConfig{
			Path:                "./ordoscan-jobs.db",
			ExtractionWorkers:   4,
			AnalysisWorkers:     4,
			NotificationWorkers: 2,
			MaxAttempts:         3,
			PollInterval:        500 * time.Millisecond,
			ExtractionBackoff:   5 * time.Second,
			AnalysisBackoff:     5 * time.Second,
			NotificationBackoff: 2 * time.Second,
			MaxBackoff:          5 * time.Minute,
		},
		OCR: OCRConfig{
			Tesseract:          "tesseract",
			SupportedLanguages: []string{"fra", "eng"},
			DefaultLanguage:    "fra",
			MinConfidence:      60,
			CallTimeout:        90 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.0,
			Timeout:     45 * time.Second,
		},
		Storage: StorageConfig{ImageRoot: "./uploads"},
		Notify:  NotifyConfig{Timeout: 10 * time.Second},
	}
}

func (c *Config) applyEnvOverrides() {
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxConns = getEnvAsInt32("DB_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvAsInt32("DB_MIN_CONNS", c.Database.MinConns)

	c.Queue.Path = getEnv("QUEUE_PATH", c.Queue.Path)
	c.Queue.ExtractionWorkers = getEnvAsInt("QUEUE_EXTRACTION_WORKERS", c.Queue.ExtractionWorkers)
	c.Queue.AnalysisWorkers = getEnvAsInt("QUEUE_ANALYSIS_WORKERS", c.Queue.AnalysisWorkers)
	c.Queue.NotificationWorkers = getEnvAsInt("QUEUE_NOTIFICATION_WORKERS", c.Queue.NotificationWorkers)
	c.Queue.MaxAttempts = getEnvAsInt("QUEUE_MAX_ATTEMPTS", c.Queue.MaxAttempts)
	c.Queue.PollInterval = getEnvAsDuration("QUEUE_POLL_INTERVAL", c.Queue.PollInterval)
	c.Queue.ExtractionBackoff = getEnvAsDuration("QUEUE_EXTRACTION_BACKOFF", c.Queue.ExtractionBackoff)
	c.Queue.AnalysisBackoff = getEnvAsDuration("QUEUE_ANALYSIS_BACKOFF", c.Queue.AnalysisBackoff)
	c.Queue.NotificationBackoff = getEnvAsDuration("QUEUE_NOTIFICATION_BACKOFF", c.Queue.NotificationBackoff)
	c.Queue.MaxBackoff = getEnvAsDuration("QUEUE_MAX_BACKOFF", c.Queue.MaxBackoff)

	c.OCR.Tesseract = getEnv("TESSERACT_BIN", c.OCR.Tesseract)
	c.OCR.TessdataDir = getEnv("TESSDATA_PREFIX", c.OCR.TessdataDir)
	c.OCR.DefaultLanguage = getEnv("OCR_DEFAULT_LANGUAGE", c.OCR.DefaultLanguage)
	if v := os.Getenv("OCR_SUPPORTED_LANGUAGES"); v != "" {
		c.OCR.SupportedLanguages = splitCSV(v)
	}
	c.OCR.MinConfidence = getEnvAsFloat32("OCR_MIN_CONFIDENCE", c.OCR.MinConfidence)
	c.OCR.CallTimeout = getEnvAsDuration("OCR_CALL_TIMEOUT", c.OCR.CallTimeout)

	c.LLM.BaseURL = getEnv("OPENAI_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("OPENAI_MODEL", c.LLM.Model)
	c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	c.LLM.Temperature = getEnvAsFloat32("OPENAI_TEMPERATURE", c.LLM.Temperature)
	c.LLM.Timeout = getEnvAsDuration("OPENAI_TIMEOUT", c.LLM.Timeout)

	c.Storage.ImageRoot = getEnv("IMAGE_ROOT", c.Storage.ImageRoot)

	c.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.Timeout = getEnvAsDuration("NOTIFY_TIMEOUT", c.Notify.Timeout)
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrValidation)
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrValidation)
	}
	if c.OCR.DefaultLanguage == "" {
		return NewAppError("CONFIG_ERROR", "OCR default language is required", ErrValidation)
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
