package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	DatabaseURL string
	WebhookPath string // Path for incoming Evolution API webhooks

	EvolutionBaseURL string
	EvolutionAPIKey  string

	OpenAIAPIKey          string
	OpenAIBaseURL         string
	DefaultAIModel        string
	TranscriptionModel    string
	TranscriptionLanguage string

	HistoryLimit         int
	GatewayTimeout       time.Duration
	TranscriptionTimeout time.Duration
	GenerationTimeout    time.Duration
	PipelineTimeout      time.Duration
	DedupTTL             time.Duration
	ConnectionCacheTTL   time.Duration

	RedisURL string

	RabbitMQURL            string
	RabbitMQQueue          string
	RabbitMQQueuePrefix    string
	RabbitMQSpecificEvents []string

	NATSURL           string
	NATSSubjectPrefix string

	S3 S3Config
}

// S3Config configures the optional inbound audio archive.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// Enabled reports whether audio archiving was configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present; real environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		LogLevel:              os.Getenv("LOG_LEVEL"),
		LogFormat:             os.Getenv("LOG_FORMAT"),
		DatabaseURL:           getEnv("DATABASE_URL", "hortibless.db"),
		WebhookPath:           getEnv("WEBHOOK_PATH", "/webhook/whatsapp"),
		EvolutionBaseURL:      os.Getenv("EVOLUTION_API_URL"),
		EvolutionAPIKey:       os.Getenv("EVOLUTION_API_TOKEN"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		DefaultAIModel:        getEnv("DEFAULT_AI_MODEL", "gpt-4o-mini"),
		TranscriptionModel:    getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
		TranscriptionLanguage: getEnv("TRANSCRIPTION_LANGUAGE", "pt"),
		RedisURL:              os.Getenv("REDIS_URL"),
		RabbitMQURL:           os.Getenv("RABBITMQ_URL"),
		RabbitMQQueue:         getEnv("RABBITMQ_QUEUE", "conversation_events"),
		RabbitMQQueuePrefix:   getEnv("RABBITMQ_QUEUE_PREFIX", "hortibless"),
		NATSURL:               os.Getenv("NATS_URL"),
		NATSSubjectPrefix:     getEnv("NATS_SUBJECT_PREFIX", "hortibless"),
		S3: S3Config{
			Bucket:    os.Getenv("S3_BUCKET"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},
	}

	if specific := os.Getenv("RABBITMQ_SPECIFIC_EVENTS"); specific != "" {
		for _, event := range strings.Split(specific, ",") {
			if event = strings.TrimSpace(event); event != "" {
				cfg.RabbitMQSpecificEvents = append(cfg.RabbitMQSpecificEvents, event)
			}
		}
	}

	var err error
	if cfg.S3.PathStyle, err = getEnvBool("S3_PATH_STYLE", false); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit, err = getEnvInt("HISTORY_LIMIT", 20); err != nil {
		return nil, err
	}
	durations := []struct {
		key    string
		def    time.Duration
		target *time.Duration
	}{
		{"GATEWAY_TIMEOUT", 15 * time.Second, &cfg.GatewayTimeout},
		{"TRANSCRIPTION_TIMEOUT", 30 * time.Second, &cfg.TranscriptionTimeout},
		{"GENERATION_TIMEOUT", 60 * time.Second, &cfg.GenerationTimeout},
		{"PIPELINE_TIMEOUT", 120 * time.Second, &cfg.PipelineTimeout},
		{"DEDUP_TTL", 24 * time.Hour, &cfg.DedupTTL},
		{"CONNECTION_CACHE_TTL", time.Minute, &cfg.ConnectionCacheTTL},
	}
	for _, d := range durations {
		if *d.target, err = getEnvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if cfg.EvolutionBaseURL == "" {
		log.Warn().Msg("EVOLUTION_API_URL not set, replies cannot be dispatched")
	}
	if cfg.OpenAIAPIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY not set, AI replies and audio transcription are disabled")
	}

	log.Info().
		Str("port", cfg.Port).
		Str("webhookPath", cfg.WebhookPath).
		Int("historyLimit", cfg.HistoryLimit).
		Dur("pipelineTimeout", cfg.PipelineTimeout).
		Bool("redis", cfg.RedisURL != "").
		Bool("rabbitmq", cfg.RabbitMQURL != "").
		Bool("nats", cfg.NATSURL != "").
		Bool("s3", cfg.S3.Enabled()).
		Msg("Configuration loaded")
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	log.Debug().Str("key", key).Str("default", def).Msg("Environment variable not set, using default")
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}
