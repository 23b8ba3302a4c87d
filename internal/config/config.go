// Package config loads process configuration from the environment. An
// optional .env file in the working directory is read first so local runs
// don't need exported variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full configuration shared by the API server, the WebSocket
// gateway and the chatwatch client.
type Config struct {
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:":8081"`
	ServerName string `envconfig:"SERVER_NAME" default:"rt-1"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:"postgres://localhost:5432/eventhub?sslmode=disable"`
	RedisAddr   string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	NATS NATSConfig `envconfig:"NATS"`
	WS   WSConfig   `envconfig:"WS"`
	Auth AuthConfig `envconfig:"JWT"`
	Log  LogConfig  `envconfig:"LOG"`
	Chat ChatConfig `envconfig:"CHAT"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `envconfig:"URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NAME" default:"eventhub-rt"`
	ReconnectWait time.Duration `envconfig:"RECONNECT_WAIT" default:"2s"`
	MaxReconnects int           `envconfig:"MAX_RECONNECTS" default:"-1"`
}

// WSConfig holds the WebSocket gateway tunables.
type WSConfig struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8080"`
	WorkerPoolSize    int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret   string        `envconfig:"SECRET" required:"true"`
	Issuer   string        `envconfig:"ISSUER" default:"eventhub"`
	TokenTTL time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"` // json | console
}

// ChatConfig carries chat limits and the moderation blocklist.
type ChatConfig struct {
	HistoryLimit  int           `envconfig:"HISTORY_LIMIT" default:"50"`
	ActivityLimit int           `envconfig:"ACTIVITY_LIMIT" default:"20"`
	BlockedTerms  []string      `envconfig:"BLOCKED_TERMS"`
	EventCacheTTL time.Duration `envconfig:"EVENT_CACHE_TTL" default:"1m"`
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.Auth.Secret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET must not be empty")
	}
	if cfg.Chat.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("config: CHAT_HISTORY_LIMIT must be positive, got %d", cfg.Chat.HistoryLimit)
	}
	if cfg.Chat.ActivityLimit <= 0 {
		return Config{}, fmt.Errorf("config: CHAT_ACTIVITY_LIMIT must be positive, got %d", cfg.Chat.ActivityLimit)
	}
	return cfg, nil
}
