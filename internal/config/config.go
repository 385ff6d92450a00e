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
	HTTPAddr    string
	DBDSN       string
	JWTSecret   string
	LogLevel    string
	CORSOrigins []string

	// empty RedisAddr keeps throttles in process memory
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ChatContextWindowSize int
	HeartbeatInterval     time.Duration
	CallWakeCooldown      time.Duration
	AssistantRateLimit    int
	AssistantRateWindow   time.Duration

	// AI provider
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// push gateway; empty file logs pushes instead of sending them
	FCMCredentialsFile string

	// rabbitMQ (token revocation jobs)
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int

	// kafka (domain events); no brokers disables the consumer
	KafkaBrokers []string
	KafkaGroup   string
	KafkaTopics  []string
}

func Load() Config {
	// a missing .env is fine, the process env still applies
	_ = godotenv.Load()

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/wardlink?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "wardlink",
		)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}

	aiProvider := os.Getenv("AI_PROVIDER")
	if aiProvider == "" {
		aiProvider = "ollama"
	}

	return Config{
		HTTPAddr:    envString("HTTP_ADDR", ":8080"),
		DBDSN:       dsn,
		JWTSecret:   secret,
		LogLevel:    envString("LOG_LEVEL", "info"),
		CORSOrigins: envList("CORS_ORIGINS", []string{"http://localhost:5173"}),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ChatContextWindowSize: envInt("CHAT_CONTEXT_WINDOW_SIZE", 20),
		HeartbeatInterval:     envDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		CallWakeCooldown:      envDuration("CALL_WAKE_COOLDOWN", 30*time.Second),
		AssistantRateLimit:    envInt("ASSISTANT_RATE_LIMIT", 5),
		AssistantRateWindow:   envDuration("ASSISTANT_RATE_WINDOW", time.Minute),

		AIProvider:        aiProvider,
		OllamaBaseURL:     envString("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       envString("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: envString("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   envString("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),

		FCMCredentialsFile: os.Getenv("FCM_CREDENTIALS_FILE"),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       envString("RABBIT_QUEUE", "device_token_revocations"),
		WorkerConcurrency: clamp(envInt("WORKER_CONCURRENCY", 2), 1, 50),

		KafkaBrokers: envList("KAFKA_BROKERS", nil),
		KafkaGroup:   envString("KAFKA_GROUP", "wardlink-notifications"),
		KafkaTopics:  envList("KAFKA_TOPICS", []string{"hospital.events"}),
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
