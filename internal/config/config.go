package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	API         APIConfig
	Socket      SocketConfig
	Chat        ChatConfig
	Media       MediaConfig
	Recording   RecordingConfig
	Harness     HarnessConfig
	Log         LogConfig
}

type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

type SocketConfig struct {
	ChatURL              string
	SessionURL           string
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
}

type ChatConfig struct {
	PageSize int
	// Окно подавления дублей для сообщений с одинаковым content/sender
	DedupWindow time.Duration
	// Окно, внутри которого порядок решает sequence, а не timestamp
	OrderWindow    time.Duration
	WelcomeMessage string
}

type MediaConfig struct {
	// Смещение UID при конфликте у провайдера. Эмпирическая константа
	// конкретного провайдера, поэтому конфигурируемая.
	UIDRetryOffset   uint32
	SubscribeRetries int
	SubscribeBackoff time.Duration
	RepublishDelay   time.Duration
	STUNServer       string
}

type RecordingConfig struct {
	ChunkInterval   time.Duration
	MinDuration     time.Duration
	PrepareDebounce time.Duration
}

type HarnessConfig struct {
	Port        int
	TokenSecret string
	TokenTTL    time.Duration
	AppID       string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	// Загрузка .env файла (если существует)
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		API: APIConfig{
			BaseURL: getEnv("API_BASE_URL", "http://localhost:8080/api"),
			Timeout: getEnvAsDuration("API_TIMEOUT", 15*time.Second),
		},
		Socket: SocketConfig{
			ChatURL:              getEnv("CHAT_WS_URL", "ws://localhost:8080/ws/chat"),
			SessionURL:           getEnv("SESSION_WS_URL", "ws://localhost:8080/ws/session"),
			PingInterval:         getEnvAsDuration("WS_PING_INTERVAL", 30*time.Second),
			ReconnectDelay:       getEnvAsDuration("WS_RECONNECT_DELAY", 5*time.Second),
			MaxReconnectDelay:    getEnvAsDuration("WS_MAX_RECONNECT_DELAY", 60*time.Second),
			MaxReconnectAttempts: getEnvAsInt("WS_MAX_RECONNECT_ATTEMPTS", 10),
			HandshakeTimeout:     getEnvAsDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
		},
		Chat: ChatConfig{
			PageSize:       getEnvAsInt("CHAT_PAGE_SIZE", 30),
			DedupWindow:    getEnvAsDuration("CHAT_DEDUP_WINDOW", 5*time.Second),
			OrderWindow:    getEnvAsDuration("CHAT_ORDER_WINDOW", 1*time.Second),
			WelcomeMessage: getEnv("CHAT_WELCOME_MESSAGE", "Hello! I'm here to support you. How are you feeling today?"),
		},
		Media: MediaConfig{
			UIDRetryOffset:   uint32(getEnvAsInt("MEDIA_UID_RETRY_OFFSET", 10_000_000)),
			SubscribeRetries: getEnvAsInt("MEDIA_SUBSCRIBE_RETRIES", 3),
			SubscribeBackoff: getEnvAsDuration("MEDIA_SUBSCRIBE_BACKOFF", 500*time.Millisecond),
			RepublishDelay:   getEnvAsDuration("MEDIA_REPUBLISH_DELAY", 2*time.Second),
			STUNServer:       getEnv("MEDIA_STUN_SERVER", "stun:stun.l.google.com:19302"),
		},
		Recording: RecordingConfig{
			ChunkInterval:   getEnvAsDuration("RECORDING_CHUNK_INTERVAL", 500*time.Millisecond),
			MinDuration:     getEnvAsDuration("RECORDING_MIN_DURATION", 3*time.Second),
			PrepareDebounce: getEnvAsDuration("RECORDING_PREPARE_DEBOUNCE", 1*time.Second),
		},
		Harness: HarnessConfig{
			Port:        getEnvAsInt("HARNESS_PORT", 8080),
			TokenSecret: getEnv("HARNESS_TOKEN_SECRET", "dev-session-secret-change-in-production"),
			TokenTTL:    getEnvAsDuration("HARNESS_TOKEN_TTL", time.Hour),
			AppID:       getEnv("HARNESS_APP_ID", "emopal-dev"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("API base URL must be set")
	}
	if c.Socket.ChatURL == "" || c.Socket.SessionURL == "" {
		return fmt.Errorf("websocket URLs must be set")
	}
	if c.Chat.PageSize <= 0 {
		return fmt.Errorf("chat page size must be positive")
	}
	if c.Socket.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
