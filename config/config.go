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

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

// Store backends selectable via STORE_BACKEND.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
}

type IMAPConfig struct {
	Address  string `json:"address"` // host:port
	Username string `json:"username"`
	Password string `json:"-"`
	Mailbox  string `json:"mailbox"`
}

type Config struct {
	Environment  string        `json:"environment"`
	DataDir      string        `json:"data_dir"`
	CadenceDir   string        `json:"cadence_dir"`
	StoreBackend string        `json:"store_backend"`
	ServerPort   string        `json:"server_port"`
	JWTSecret    string        `json:"-"`
	SentryDSN    string        `json:"-"`
	LogLevel     string        `json:"log_level"`
	CronSpec     string        `json:"cron_spec"`
	ReplyPoll    time.Duration `json:"reply_poll"`
	SendTimeout  time.Duration `json:"send_timeout"`
	RateLimit    int           `json:"rate_limit"` // webhook requests per client per minute
	DBHost       string        `json:"db_host"`
	DBPort       string        `json:"db_port"`
	DBUser       string        `json:"db_user"`
	DBPassword   string        `json:"-"`
	DBName       string        `json:"db_name"`
	DBSSLMode    string        `json:"db_ssl_mode"`
	DBMaxIdle    int           `json:"db_max_idle_conns"`
	DBMaxOpen    int           `json:"db_max_open_conns"`
	Redis        RedisConfig   `json:"redis"`
	SMTP         SMTPConfig    `json:"smtp"`
	IMAP         IMAPConfig    `json:"imap"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		DataDir:      getEnv("CADENCER_DATA_DIR", "./data"),
		CadenceDir:   getEnv("CADENCER_CADENCE_DIR", ""),
		StoreBackend: getEnv("STORE_BACKEND", BackendFile),
		ServerPort:   getEnv("SERVER_PORT", "5000"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		SentryDSN:    getEnv("SENTRY_DSN", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		CronSpec:     getEnv("CADENCE_CRON", "0 8 * * *"),
		ReplyPoll:    time.Duration(getEnvAsInt("REPLY_POLL_SECONDS", 300)) * time.Second,
		SendTimeout:  time.Duration(getEnvAsInt("SEND_TIMEOUT_SECONDS", 30)) * time.Second,
		RateLimit:    getEnvAsInt("WEBHOOK_RATE_LIMIT", 120),
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnv("DB_PORT", "5432"),
		DBUser:       getEnv("DB_USER", "postgres"),
		DBPassword:   getEnv("DB_PASSWORD", ""),
		DBName:       getEnv("DB_NAME", "cadencer"),
		DBSSLMode:    getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdle:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpen:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("FROM_EMAIL", ""),
			FromName: getEnv("FROM_NAME", "Outbound Team"),
		},
		IMAP: IMAPConfig{
			Address:  getEnv("IMAP_ADDRESS", ""),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
			Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
		},
	}

	// Validate required configurations
	switch AppConfig.StoreBackend {
	case BackendFile, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of file, redis, postgres (got %q)", AppConfig.StoreBackend)
	}
	if AppConfig.StoreBackend == BackendPostgres && AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required for the postgres backend")
	}
	if AppConfig.Environment == "production" && AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdle)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
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

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Store backend: %s", AppConfig.StoreBackend)
	log.Printf("Data dir: %s", AppConfig.DataDir)
	if AppConfig.StoreBackend == BackendPostgres {
		log.Printf("Database: %s@%s:%s/%s",
			AppConfig.DBUser,
			AppConfig.DBHost,
			AppConfig.DBPort,
			AppConfig.DBName)
	}
	if AppConfig.StoreBackend == BackendRedis {
		log.Printf("Redis: %s/%d", AppConfig.Redis.Address, AppConfig.Redis.DB)
	}
}
