package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// HTTP API
	APIPort int

	// Database configuration
	DatabaseEnabled  bool
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Engagement feed configuration
	Feed FeedConfig

	// Promotion configuration
	Promotion PromotionConfig

	// Webhook notification configuration
	Webhook WebhookConfig
}

// WebhookConfig holds promotion notification and rollout signal endpoints
type WebhookConfig struct {
	// NotifyURLs receive promotion lifecycle events (comma-separated)
	NotifyURLs []string
	// RolloutURL receives traffic allocation changes; empty means log-only
	RolloutURL string
	AuthToken  string
	RetryCount int
	RetryDelay time.Duration
}

// FeedConfig holds the CRM engagement event feed configuration
type FeedConfig struct {
	Enabled   bool
	URL       string
	AuthToken string
}

// PromotionConfig holds promotion thresholds and canary parameters
type PromotionConfig struct {
	// Candidate thresholds
	MaxPValue      float64 // promote only below this p-value
	MinLiftPct     float64 // Percent
	MinSampleSize  int     // total impressions across variants
	MinRuntimeDays float64

	// De-duplication
	LookbackDays int // skip experiment/variant pairs promoted within this window

	// Canary rollout
	CanaryTrafficPct  float64 // initial canary traffic allocation
	CanaryWindowHours float64 // monitoring window before completion/rollback

	// Sweep intervals
	ScanInterval    time.Duration
	MonitorInterval time.Duration
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		APIPort: getEnvInt("API_PORT", 8080),

		// Database configuration
		DatabaseEnabled:  getEnvOrDefault("DB_ENABLED", "true") == "true",
		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "outreach_experiments"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "outreach"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", "outreach123"),

		// Redis configuration
		RedisEnabled:  getEnvOrDefault("REDIS_ENABLED", "true") == "true",
		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		// Engagement feed configuration
		Feed: FeedConfig{
			Enabled:   getEnvOrDefault("FEED_ENABLED", "false") == "true",
			URL:       getEnvOrDefault("FEED_WS_URL", "wss://events.crm.internal/engagement"),
			AuthToken: os.Getenv("FEED_AUTH_TOKEN"),
		},

		// Promotion configuration
		Promotion: PromotionConfig{
			MaxPValue:      getEnvFloat("PROMOTION_MAX_P_VALUE", 0.05),
			MinLiftPct:     getEnvFloat("PROMOTION_MIN_LIFT_PCT", 10.0),
			MinSampleSize:  getEnvInt("PROMOTION_MIN_SAMPLE_SIZE", 1000),
			MinRuntimeDays: getEnvFloat("PROMOTION_MIN_RUNTIME_DAYS", 7.0),

			LookbackDays: getEnvInt("PROMOTION_LOOKBACK_DAYS", 7),

			CanaryTrafficPct:  getEnvFloat("CANARY_TRAFFIC_PCT", 20.0),
			CanaryWindowHours: getEnvFloat("CANARY_WINDOW_HOURS", 24.0),

			ScanInterval:    time.Duration(getEnvInt("PROMOTION_SCAN_INTERVAL_MINUTES", 60)) * time.Minute,
			MonitorInterval: time.Duration(getEnvInt("CANARY_MONITOR_INTERVAL_MINUTES", 15)) * time.Minute,
		},

		// Webhook configuration
		Webhook: WebhookConfig{
			NotifyURLs: splitCSV(os.Getenv("WEBHOOK_NOTIFY_URLS")),
			RolloutURL: os.Getenv("ROLLOUT_WEBHOOK_URL"),
			AuthToken:  os.Getenv("WEBHOOK_AUTH_TOKEN"),
			RetryCount: getEnvInt("WEBHOOK_RETRY_COUNT", 3),
			RetryDelay: time.Duration(getEnvInt("WEBHOOK_RETRY_DELAY_SECONDS", 5)) * time.Second,
		},
	}
}

// splitCSV splits a comma-separated value, dropping empty entries
func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}
