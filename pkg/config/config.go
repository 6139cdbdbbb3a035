package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	CORS       CORSConfig
	Log        LogConfig
	Enrollment EnrollmentConfig
	Reconciler ReconcilerConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// EnrollmentConfig tunes the enrollment workflow and the compliance records it produces.
type EnrollmentConfig struct {
	StoreTimeout    time.Duration
	RecordTTL       time.Duration
	IDPrefix        string
	SourceSystem    string
	SchoolID        string
	SchoolYear      int
	EntryType       string
	MaxIDAttempts   int
	MaxWriteRetries int
}

// ReconcilerConfig governs the compliance reconciliation sweep and its retry queue.
type ReconcilerConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Workers     int
	MaxRetries  int
	RetryDelay  time.Duration
	StaleAfter  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:         v.GetString("REDIS_HOST"),
		Port:         v.GetInt("REDIS_PORT"),
		Password:     v.GetString("REDIS_PASSWORD"),
		DB:           v.GetInt("REDIS_DB"),
		DialTimeout:  parseDuration(v.GetString("REDIS_DIAL_TIMEOUT"), 5*time.Second),
		ReadTimeout:  parseDuration(v.GetString("REDIS_READ_TIMEOUT"), 3*time.Second),
		WriteTimeout: parseDuration(v.GetString("REDIS_WRITE_TIMEOUT"), 3*time.Second),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET"), Issuer: v.GetString("JWT_ISSUER")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Enrollment = EnrollmentConfig{
		StoreTimeout:    parseDuration(v.GetString("ENROLLMENT_STORE_TIMEOUT"), 5*time.Second),
		RecordTTL:       parseDuration(v.GetString("ENROLLMENT_RECORD_TTL"), 90*24*time.Hour),
		IDPrefix:        v.GetString("ENROLLMENT_ID_PREFIX"),
		SourceSystem:    v.GetString("ENROLLMENT_SOURCE_SYSTEM"),
		SchoolID:        v.GetString("ENROLLMENT_SCHOOL_ID"),
		SchoolYear:      v.GetInt("ENROLLMENT_SCHOOL_YEAR"),
		EntryType:       v.GetString("ENROLLMENT_ENTRY_TYPE"),
		MaxIDAttempts:   v.GetInt("ENROLLMENT_MAX_ID_ATTEMPTS"),
		MaxWriteRetries: v.GetInt("ENROLLMENT_MAX_WRITE_RETRIES"),
	}

	cfg.Reconciler = ReconcilerConfig{
		Enabled:     v.GetBool("RECONCILER_ENABLED"),
		Interval:    parseDuration(v.GetString("RECONCILER_INTERVAL"), 5*time.Minute),
		BatchSize:   v.GetInt("RECONCILER_BATCH_SIZE"),
		Concurrency: v.GetInt("RECONCILER_CONCURRENCY"),
		Workers:     v.GetInt("RECONCILER_WORKERS"),
		MaxRetries:  v.GetInt("RECONCILER_MAX_RETRIES"),
		RetryDelay:  parseDuration(v.GetString("RECONCILER_RETRY_DELAY"), 30*time.Second),
		StaleAfter:  parseDuration(v.GetString("RECONCILER_STALE_AFTER"), time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "enrollment_compliance")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENROLLMENT_STORE_TIMEOUT", "5s")
	v.SetDefault("ENROLLMENT_RECORD_TTL", "2160h")
	v.SetDefault("ENROLLMENT_ID_PREFIX", "ENR")
	v.SetDefault("ENROLLMENT_SOURCE_SYSTEM", "uri://ed-fi.org/SourceSystemDescriptor#Enrollment Portal")
	v.SetDefault("ENROLLMENT_SCHOOL_ID", "255901001")
	v.SetDefault("ENROLLMENT_SCHOOL_YEAR", 0)
	v.SetDefault("ENROLLMENT_ENTRY_TYPE", "uri://ed-fi.org/EntryTypeDescriptor#Next year school")
	v.SetDefault("ENROLLMENT_MAX_ID_ATTEMPTS", 5)
	v.SetDefault("ENROLLMENT_MAX_WRITE_RETRIES", 3)

	v.SetDefault("RECONCILER_ENABLED", true)
	v.SetDefault("RECONCILER_INTERVAL", "5m")
	v.SetDefault("RECONCILER_BATCH_SIZE", 50)
	v.SetDefault("RECONCILER_CONCURRENCY", 4)
	v.SetDefault("RECONCILER_WORKERS", 2)
	v.SetDefault("RECONCILER_MAX_RETRIES", 3)
	v.SetDefault("RECONCILER_RETRY_DELAY", "30s")
	v.SetDefault("RECONCILER_STALE_AFTER", "1m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
