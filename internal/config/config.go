package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	AllowedOrigin    string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AuthSecret       string
	TokenTTLHours    int
	GeminiAPIKey     string
	GeminiModel      string
	UploadDir        string
	ReportTTLSeconds int
}

func Load() Config {
	// .env is a development convenience; a missing file is not an error.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("TOKEN_TTL_HOURS", "24"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 24
	}
	reportTTL, err := strconv.Atoi(getEnv("REPORT_TTL_SECONDS", "60"))
	if err != nil || reportTTL < 1 {
		reportTTL = 60
	}

	cfg := Config{
		Port:             getEnv("PORT", "8080"),
		AllowedOrigin:    getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          redisDB,
		AuthSecret:       strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		TokenTTLHours:    tokenTTL,
		GeminiAPIKey:     strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.0-flash-exp"),
		UploadDir:        getEnv("UPLOAD_DIR", os.TempDir()),
		ReportTTLSeconds: reportTTL,
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
