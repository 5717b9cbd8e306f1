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
	Port                 string
	AllowedOrigin        string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	TraceCacheTTLSeconds int
	LotLockTTLSeconds    int
	LogLevel             string
	LogFormat            string
	SeedDemoData         bool
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Variables already set win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	traceTTL, err := strconv.Atoi(getEnv("TRACE_CACHE_TTL_SECONDS", "30"))
	if err != nil || traceTTL < 1 {
		traceTTL = 30
	}
	lockTTL, err := strconv.Atoi(getEnv("LOT_LOCK_TTL_SECONDS", "15"))
	if err != nil || lockTTL < 1 {
		lockTTL = 15
	}
	seed, err := strconv.ParseBool(getEnv("SEED_DEMO_DATA", "true"))
	if err != nil {
		seed = true
	}

	return Config{
		Port:                 getEnv("PORT", "8080"),
		AllowedOrigin:        getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:            strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              redisDB,
		TraceCacheTTLSeconds: traceTTL,
		LotLockTTLSeconds:    lockTTL,
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		SeedDemoData:         seed,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) TraceCacheTTL() time.Duration {
	return time.Duration(c.TraceCacheTTLSeconds) * time.Second
}

func (c Config) LotLockTTL() time.Duration {
	return time.Duration(c.LotLockTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
