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
	HTTPAddr string

	DBDriver string
	DBDSN    string

	JWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string

	ChatContextWindowSize int
	MemoryTopN            int

	// AI provider
	AIProvider    string
	OllamaBaseURL string
	OllamaModel   string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string

	// streaming pace
	WordDelayMin   time.Duration
	WordDelayMax   time.Duration
	ParagraphPause time.Duration
	FollowUpDelay  time.Duration

	// per-identity submit limit
	RateLimitRPS   float64
	RateLimitBurst int

	SecurityRulesFile string

	// rabbitMQ; empty URL runs memory extraction in-process
	RabbitURL         string
	RabbitQueue       string
	WorkerConcurrency int

	MemorySweepSpec string
}

func Load() Config {
	// .env is optional; real environment wins
	_ = godotenv.Load()

	driver := strings.ToLower(os.Getenv("DB_DRIVER"))
	if driver == "" {
		driver = "mysql"
	}

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/supportbot?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		switch driver {
		case "sqlite":
			dsn = "supportbot.db"
		default:
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
				"app", "apppass", "127.0.0.1", "3306", "supportbot",
			)
		}
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}

	aiProvider := os.Getenv("AI_PROVIDER")
	if aiProvider == "" {
		aiProvider = "ollama"
	}

	ollamaBaseURL := os.Getenv("OLLAMA_BASE_URL")
	if ollamaBaseURL == "" {
		ollamaBaseURL = "http://localhost:11434"
	}
	ollamaModel := os.Getenv("OLLAMA_MODEL")
	if ollamaModel == "" {
		ollamaModel = "llama3:latest"
	}

	openAIBaseURL := os.Getenv("OPENAI_BASE_URL")
	if openAIBaseURL == "" {
		openAIBaseURL = "https://openrouter.ai/api/v1"
	}
	openAIModel := os.Getenv("OPENAI_MODEL")
	if openAIModel == "" {
		openAIModel = "openrouter/auto"
	}

	rabbitQueue := os.Getenv("RABBIT_QUEUE")
	if rabbitQueue == "" {
		rabbitQueue = "memory_jobs"
	}

	sweepSpec := os.Getenv("MEMORY_SWEEP_SPEC")
	if sweepSpec == "" {
		sweepSpec = "@every 5m"
	}

	return Config{
		HTTPAddr: envString("HTTP_ADDR", ":8080"),

		DBDriver:  driver,
		DBDSN:     dsn,
		JWTSecret: secret,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		LogLevel:  envString("LOG_LEVEL", "info"),
		LogFormat: envString("LOG_FORMAT", "json"),

		ChatContextWindowSize: envInt("CHAT_CONTEXT_WINDOW_SIZE", 10),
		MemoryTopN:            envInt("MEMORY_TOP_N", 5),

		AIProvider:    aiProvider,
		OllamaBaseURL: ollamaBaseURL,
		OllamaModel:   ollamaModel,
		OpenAIBaseURL: openAIBaseURL,
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   openAIModel,

		WordDelayMin:   envMillis("STREAM_WORD_DELAY_MIN_MS", 20),
		WordDelayMax:   envMillis("STREAM_WORD_DELAY_MAX_MS", 60),
		ParagraphPause: envMillis("STREAM_PARAGRAPH_PAUSE_MS", 400),
		FollowUpDelay:  envMillis("STREAM_FOLLOWUP_DELAY_MS", 300),

		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 2),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 5),

		SecurityRulesFile: os.Getenv("SECURITY_RULES_FILE"),

		RabbitURL:         os.Getenv("RABBIT_URL"),
		RabbitQueue:       rabbitQueue,
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 2),

		MemorySweepSpec: sweepSpec,
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

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envMillis(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Millisecond
}
