package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AdminSecret    string   // bearer token for admin routes and settlement calls
	AllowedOrigins []string // CORS
}

type Engine struct {
	DriftEnabled         bool
	DriftInterval        time.Duration
	LiquidationInterval  time.Duration
	LiquidationThreshold float64
	SeedPricesFile       string
}

type Settlement struct {
	FrontendURL string
	URL         string
	Timeout     time.Duration
}

type Storage struct {
	TradeDBPath string // empty disables the fill journal
}

type Kafka struct {
	Brokers []string // empty disables publishing
	Topic   string
}

type Log struct {
	File  string // empty logs to stdout only
	Level string // zap level name, default info
}

type Config struct {
	API        API
	Engine     Engine
	Settlement Settlement
	Storage    Storage
	Kafka      Kafka
	Log        Log
}

func Default() Config {
	frontend := "http://localhost:3000"
	return Config{
		API: API{
			Addr:           ":8090",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Engine: Engine{
			DriftEnabled:         true,
			DriftInterval:        time.Second,
			LiquidationInterval:  5 * time.Second,
			LiquidationThreshold: 0.90,
		},
		Settlement: Settlement{
			FrontendURL: frontend,
			URL:         frontend + "/api/admin/settle",
			Timeout:     10 * time.Second,
		},
		Kafka: Kafka{
			Topic: "liquidbook.events",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AdminSecret = getEnv("ADMIN_SECRET", cfg.API.AdminSecret)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	if v := os.Getenv("DRIFT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.DriftEnabled = b
		}
	}
	cfg.Engine.DriftInterval = getEnvMillis("DRIFT_INTERVAL_MS", cfg.Engine.DriftInterval)
	cfg.Engine.LiquidationInterval = getEnvMillis("LIQUIDATION_INTERVAL_MS", cfg.Engine.LiquidationInterval)
	if v := os.Getenv("LIQUIDATION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			cfg.Engine.LiquidationThreshold = f
		}
	}
	cfg.Engine.SeedPricesFile = getEnv("SEED_PRICES_FILE", cfg.Engine.SeedPricesFile)

	// SETTLE_URL defaults to the frontend's admin route
	if frontend := os.Getenv("FRONTEND_URL"); frontend != "" {
		cfg.Settlement.FrontendURL = strings.TrimRight(frontend, "/")
		cfg.Settlement.URL = cfg.Settlement.FrontendURL + "/api/admin/settle"
	}
	cfg.Settlement.URL = getEnv("SETTLE_URL", cfg.Settlement.URL)
	cfg.Settlement.Timeout = getEnvMillis("SETTLE_TIMEOUT_MS", cfg.Settlement.Timeout)

	cfg.Storage.TradeDBPath = getEnv("TRADE_DB_PATH", cfg.Storage.TradeDBPath)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
