package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity Provider
	IdentityProviderURL string
	IdentityTimeout     time.Duration

	// Room
	TrustClientTimestamps  bool
	SanitizeContent        bool
	RoomMembershipRequired bool
	HistoryLimit           int
	SearchLimit            int
	Location               *time.Location

	// WebSocket
	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int
	PingInterval   time.Duration
	PongWait       time.Duration

	// Rate Limit
	RateLimitPerSecond     float64
	RateLimitBurst         int
	HandshakeRatePerMinute int

	// Retention
	MessageRetentionDays int

	// Server
	ServerPort      string
	ShutdownTimeout time.Duration
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.IdentityProviderURL = strings.TrimRight(os.Getenv("IDENTITY_PROVIDER_URL"), "/")
	if cfg.IdentityProviderURL == "" {
		missing = append(missing, "IDENTITY_PROVIDER_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.IdentityTimeout = getEnvDuration("IDENTITY_TIMEOUT", 5*time.Second)
	cfg.TrustClientTimestamps = getEnvBool("TRUST_CLIENT_TIMESTAMPS", false)
	cfg.SanitizeContent = getEnvBool("SANITIZE_CONTENT", false)
	cfg.RoomMembershipRequired = getEnvBool("ROOM_MEMBERSHIP_REQUIRED", true)
	cfg.HistoryLimit = getEnvInt("HISTORY_LIMIT", 0)
	cfg.SearchLimit = getEnvInt("SEARCH_LIMIT", 50)
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS")
	cfg.MaxMessageSize = getEnvInt64("MAX_MESSAGE_SIZE", 65536)
	cfg.SendBufferSize = getEnvInt("SEND_BUFFER_SIZE", 256)
	cfg.PingInterval = getEnvDuration("PING_INTERVAL", 54*time.Second)
	cfg.PongWait = getEnvDuration("PONG_WAIT", 60*time.Second)
	cfg.RateLimitPerSecond = getEnvFloat("RATE_LIMIT_PER_SECOND", 5)
	cfg.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	cfg.HandshakeRatePerMinute = getEnvInt("HANDSHAKE_RATE_PER_MINUTE", 60)
	cfg.MessageRetentionDays = getEnvInt("MESSAGE_RETENTION_DAYS", 0)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)

	if cfg.IdentityTimeout <= 0 {
		return nil, fmt.Errorf("IDENTITY_TIMEOUT (%s) must be positive", cfg.IdentityTimeout)
	}
	if cfg.SearchLimit <= 0 {
		return nil, fmt.Errorf("SEARCH_LIMIT (%d) must be positive", cfg.SearchLimit)
	}

	if cfg.PingInterval >= cfg.PongWait {
		return nil, fmt.Errorf("PING_INTERVAL (%s) must be shorter than PONG_WAIT (%s)", cfg.PingInterval, cfg.PongWait)
	}

	loc, err := time.LoadLocation(getEnvString("TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの環境変数を空要素を除いたスライスとして返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
