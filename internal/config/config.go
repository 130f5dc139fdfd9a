package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"posledger/backend/internal/logging"
)

type Config struct {
	AppEnv                 string
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LogLevel               string
	LogEncoding            string
	ReceiptCacheTTLSeconds int
	EarnPesosPerPoint      decimal.Decimal
	RedeemPesoPerPoint     decimal.Decimal
	MaxConflictRetries     int
	LoginRateLimit         string

	// First owner account created in an empty postgres database.
	BootstrapBusinessID    string
	BootstrapOwnerUsername string
	BootstrapOwnerPassword string
}

// Load reads the environment, after merging a local .env file when present.
// Variables already set in the environment win over .env.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppEnv:                 getEnv("APP_ENV", "development"),
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0, 0),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogEncoding:            os.Getenv("LOG_ENCODING"),
		ReceiptCacheTTLSeconds: getEnvInt("RECEIPT_CACHE_TTL_SECONDS", 600, 1),
		EarnPesosPerPoint:      getEnvDecimal("LOYALTY_EARN_PESOS_PER_POINT", decimal.NewFromInt(10)),
		RedeemPesoPerPoint:     getEnvDecimal("LOYALTY_REDEEM_PESO_PER_POINT", decimal.NewFromInt(1)),
		MaxConflictRetries:     getEnvInt("MAX_CONFLICT_RETRIES", 3, 0),
		LoginRateLimit:         getEnv("LOGIN_RATE_LIMIT", "5-M"),
		BootstrapBusinessID:    getEnv("BOOTSTRAP_BUSINESS_ID", "biz-main"),
		BootstrapOwnerUsername: strings.ToLower(strings.TrimSpace(os.Getenv("BOOTSTRAP_OWNER_USERNAME"))),
		BootstrapOwnerPassword: os.Getenv("BOOTSTRAP_OWNER_PASSWORD"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Development() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:             c.LogLevel,
		Encoding:          c.LogEncoding,
		Development:       c.Development(),
		DisableStacktrace: !c.Development(),
	}
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ReceiptCacheTTL() time.Duration {
	return time.Duration(c.ReceiptCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	val, err := decimal.NewFromString(strings.TrimSpace(os.Getenv(key)))
	if err != nil || !val.IsPositive() {
		return fallback
	}
	return val
}
