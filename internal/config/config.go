package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	CatalogCacheTTL       time.Duration
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogFile               string
	LogLevel              string
	SaleRetryDelay        time.Duration
	NearExpiryDays        int
	SessionIdle           time.Duration
	MaxSessionsPerUser    int
	Pharmacy              PharmacyProfile
}

// PharmacyProfile is printed in the invoice header.
type PharmacyProfile struct {
	Name               string
	Owner              string
	Address            string
	Phone              string
	Email              string
	RegistrationNumber string
	Hours              string
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getBool("AUTO_MIGRATE", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0, 0),
		CatalogCacheTTL:       time.Duration(getInt("CATALOG_CACHE_TTL_SECONDS", 30, 1)) * time.Second,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LogFile:               os.Getenv("LOG_FILE"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		SaleRetryDelay:        time.Duration(getInt("SALE_RETRY_DELAY_MS", 500, 0)) * time.Millisecond,
		NearExpiryDays:        getInt("NEAR_EXPIRY_DAYS", 10, 0),
		SessionIdle:           time.Duration(getInt("SESSION_IDLE_MINUTES", 30, 1)) * time.Minute,
		MaxSessionsPerUser:    getInt("MAX_SESSIONS_PER_USER", 5, 1),
		Pharmacy: PharmacyProfile{
			Name:               getEnv("PHARMACY_NAME", "PharmaDesk Pharmacy"),
			Owner:              os.Getenv("PHARMACY_OWNER"),
			Address:            os.Getenv("PHARMACY_ADDRESS"),
			Phone:              os.Getenv("PHARMACY_PHONE"),
			Email:              os.Getenv("PHARMACY_EMAIL"),
			RegistrationNumber: os.Getenv("PHARMACY_REG"),
			Hours:              os.Getenv("PHARMACY_HOURS"),
		},
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, floor int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < floor {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
