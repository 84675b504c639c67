package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DatabaseConfig holds PostgreSQL database connection settings.
type DatabaseConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	Name               string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeSec int
	ApplicationName    string
	ConnectTimeoutSec  int
	ConnectRetries     int
}

// MinIOConfig holds object storage settings for raw payloads.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// SEFAZConfig holds the distribution endpoint settings.
type SEFAZConfig struct {
	// Environment is "production" or "homologation" (tpAmb 1 and 2).
	Environment      string
	AuthorUF         string
	NFeEndpoint      string
	CTeEndpoint      string
	NFSeEndpoint     string
	RequestTimeout   time.Duration
	MaxRetries       int
	MaxPages         int
	RateLimitDefault time.Duration
}

// Production reports whether documents are fetched from the production
// environment.
func (s SEFAZConfig) Production() bool {
	return !strings.EqualFold(s.Environment, "homologation")
}

// SchedulerConfig drives the periodic fetch across taxpayers.
type SchedulerConfig struct {
	Enabled       bool
	Taxpayers     []string
	DocumentTypes []string
	Interval      time.Duration
	Concurrency   int
}

// PipelineConfig toggles the optional stage behaviors.
type PipelineConfig struct {
	AutoProcess        bool
	AutoCreateSupplier bool
	AutoCreateItem     bool
	EnablePOMatching   bool
	AutoCreateInvoice  bool
	Workers            int
	QueueSize          int
	JobTimeout         time.Duration
}

// MatchingConfig holds the reconciliation bounds handed to the matching engine.
type MatchingConfig struct {
	TolerancePercent decimal.Decimal
	DateRangeDays    int
}

// AppConfig is the centralized configuration struct for the application.
// It is populated from environment variables. Sensitive values are not hardcoded.
type AppConfig struct {
	AppHost        string
	Port           string
	BodyLimitMB    int
	LogLevel       string
	Timezone       string
	CredentialsDir string
	Database       DatabaseConfig
	MinIO          MinIOConfig
	SEFAZ          SEFAZConfig
	Scheduler      SchedulerConfig
	Pipeline       PipelineConfig
	Matching       MatchingConfig
}

// Load reads configuration from environment variables.
// A .env file can be auto-loaded by importing: _ "github.com/joho/godotenv/autoload"
// This function does not require a .env file; real environment variables take precedence.
func Load() *AppConfig {
	return &AppConfig{
		AppHost:        getEnv("APP_HOST", "localhost:8080"),
		Port:           getEnv("PORT", "8080"),
		BodyLimitMB:    getEnvInt("HTTP_BODY_LIMIT_MB", 32),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Timezone:       getEnv("APP_TIMEZONE", "America/Sao_Paulo"),
		CredentialsDir: getEnv("CREDENTIALS_DIR", "/etc/dfeingest/certs"),
		Database: DatabaseConfig{
			Host:               getEnv("DB_HOST", ""),
			Port:               getEnv("DB_PORT", "5432"),
			User:               getEnv("DB_USER", ""),
			Password:           getEnv("DB_PASSWORD", ""),
			Name:               getEnv("DB_NAME", ""),
			SSLMode:            getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:       getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:       getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetimeSec: getEnvInt("DB_CONN_MAX_LIFETIME_SEC", 300),
			ApplicationName:    getEnv("DB_APPLICATION_NAME", "dfeingest"),
			ConnectTimeoutSec:  getEnvInt("DB_CONNECT_TIMEOUT_SEC", 5),
			ConnectRetries:     getEnvInt("DB_CONNECT_RETRIES", 5),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "dfe-payloads"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		SEFAZ: SEFAZConfig{
			Environment:      getEnv("SEFAZ_ENVIRONMENT", "production"),
			AuthorUF:         getEnv("SEFAZ_AUTHOR_UF", "35"),
			NFeEndpoint:      getEnv("SEFAZ_NFE_ENDPOINT", ""),
			CTeEndpoint:      getEnv("SEFAZ_CTE_ENDPOINT", ""),
			NFSeEndpoint:     getEnv("SEFAZ_NFSE_ENDPOINT", ""),
			RequestTimeout:   getEnvDuration("SEFAZ_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:       getEnvInt("SEFAZ_MAX_RETRIES", 3),
			MaxPages:         getEnvInt("SEFAZ_MAX_PAGES", 50),
			RateLimitDefault: getEnvDuration("SEFAZ_RATE_LIMIT_DEFAULT", time.Hour),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getEnvBool("SCHEDULER_ENABLED", false),
			Taxpayers:     getEnvList("SCHEDULER_TAXPAYERS"),
			DocumentTypes: getEnvListDefault("SCHEDULER_DOCUMENT_TYPES", []string{"NFe", "CTe", "NFSe"}),
			Interval:      getEnvDuration("SCHEDULER_INTERVAL", time.Hour),
			Concurrency:   getEnvInt("SCHEDULER_CONCURRENCY", 4),
		},
		Pipeline: PipelineConfig{
			AutoProcess:        getEnvBool("PIPELINE_AUTO_PROCESS", true),
			AutoCreateSupplier: getEnvBool("PIPELINE_AUTO_CREATE_SUPPLIER", true),
			AutoCreateItem:     getEnvBool("PIPELINE_AUTO_CREATE_ITEM", true),
			EnablePOMatching:   getEnvBool("PIPELINE_ENABLE_PO_MATCHING", true),
			AutoCreateInvoice:  getEnvBool("PIPELINE_AUTO_CREATE_INVOICE", true),
			Workers:            getEnvInt("PIPELINE_WORKERS", 4),
			QueueSize:          getEnvInt("PIPELINE_QUEUE_SIZE", 256),
			JobTimeout:         getEnvDuration("PIPELINE_JOB_TIMEOUT", 2*time.Minute),
		},
		Matching: MatchingConfig{
			TolerancePercent: getEnvDecimal("MATCH_TOLERANCE_PERCENT", decimal.NewFromInt(5)),
			DateRangeDays:    getEnvInt("MATCH_DATE_RANGE_DAYS", 30),
		},
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	}
	return def
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	return getEnvListDefault(key, nil)
}

func getEnvListDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
