package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
}

type Config struct {
	Environment        string        `json:"environment"`
	ServerPort         string        `json:"server_port"`
	Google             OAuthConfig   `json:"google"`
	Microsoft          OAuthConfig   `json:"microsoft"`
	EncryptionKey      string        `json:"-"`
	WebhookSecret      string        `json:"-"`
	SentryDSN          string        `json:"-"`
	PushTopic          string        `json:"push_topic"`
	PushCallback       string        `json:"push_callback"`
	SyncWorkers        int           `json:"sync_workers"`
	SweepInterval      time.Duration `json:"sweep_interval"`
	SubscriptionMaxAge time.Duration `json:"subscription_max_age"`
	DBHost             string        `json:"db_host"`
	DBPort             string        `json:"db_port"`
	DBUser             string        `json:"db_user"`
	DBPassword         string        `json:"-"`
	DBName             string        `json:"db_name"`
	DBSSLMode          string        `json:"db_ssl_mode"`
	DBMaxIdleConns     int           `json:"db_max_idle_conns"`
	DBMaxOpenConns     int           `json:"db_max_open_conns"`
	Redis              RedisConfig   `json:"redis"`
}

func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		},
		Microsoft: OAuthConfig{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("MICROSOFT_REDIRECT_URI", ""),
		},
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		WebhookSecret:      getEnv("WEBHOOK_SECRET", ""),
		SentryDSN:          getEnv("SENTRY_DSN", ""),
		PushTopic:          getEnv("PUSH_TOPIC", ""),
		PushCallback:       getEnv("PUSH_CALLBACK_URL", ""),
		SyncWorkers:        getEnvAsInt("SYNC_WORKERS", 4),
		SweepInterval:      getEnvAsDuration("SUBSCRIPTION_SWEEP_INTERVAL", time.Hour),
		SubscriptionMaxAge: getEnvAsDuration("SUBSCRIPTION_MAX_AGE", 5*24*time.Hour),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "postgres"),
		DBPassword:         getEnv("DB_PASSWORD", ""),
		DBName:             getEnv("DB_NAME", "zeromail"),
		DBSSLMode:          getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
	}

	if cfg.DBPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if cfg.Environment == "production" {
		if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
			return nil, fmt.Errorf("Google OAuth credentials are required in production")
		}
		if cfg.Microsoft.ClientID == "" || cfg.Microsoft.ClientSecret == "" {
			return nil, fmt.Errorf("Microsoft OAuth credentials are required in production")
		}
	}

	logConfig(cfg)
	return cfg, nil
}

func ConnectDB(cfg *Config, migrate func(*gorm.DB) error) (*gorm.DB, error) {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("Starting database migration...")
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return db, nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig(cfg *Config) {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Server Port: %s", cfg.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		cfg.DBUser,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName)
	log.Printf("OAuth Providers: Google(%t), Microsoft(%t)",
		cfg.Google.ClientID != "",
		cfg.Microsoft.ClientID != "")
}
