// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// セッションの保存先。
const (
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
	StorageMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required"`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`
	CookieSecure bool   `env:"-"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Identity  IdentityConfig
	Session   SessionConfig
	Redis     RedisConfig `envPrefix:"REDIS_"`
	Inference InferenceConfig
	RateLimit RateLimitConfig
	Avatar    AvatarConfig
}

// IdentityConfig は外部IdPの設定。
type IdentityConfig struct {
	URL              string        `env:"IDENTITY_URL,required"`
	APIKey           string        `env:"IDENTITY_API_KEY,required"`
	JWTSecret        string        `env:"IDENTITY_JWT_SECRET"`
	SessionRetention time.Duration `env:"AUTH_SESSION_RETENTION" envDefault:"720h"`
}

// SessionConfig はブラウザごとのセッションストアの設定。
type SessionConfig struct {
	Storage         string        `env:"SESSION_STORAGE" envDefault:"postgres"`
	IdleTTL         time.Duration `env:"SESSION_IDLE_TTL" envDefault:"30m"`
	WaitTimeout     time.Duration `env:"SESSION_WAIT_TIMEOUT" envDefault:"5s"`
	FetchTimeout    time.Duration `env:"SESSION_FETCH_TIMEOUT" envDefault:"10s"`
	CleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"24h"`
	MaxEntries      int           `env:"SESSION_MAX_ENTRIES" envDefault:"10000"`
}

// RedisConfig はSESSION_STORAGE=redisの場合の接続設定。
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// InferenceConfig は推論エンドポイントの設定。
type InferenceConfig struct {
	BreastCancerURL string        `env:"INFERENCE_BREAST_CANCER_URL" envDefault:"https://nthander2002-hachathonhub-breastcancer.hf.space"`
	PneumoniaURL    string        `env:"INFERENCE_PNEUMONIA_URL" envDefault:"https://nthander2002-hachathonhub-pneumonia.hf.space"`
	SymptomsURL     string        `env:"INFERENCE_SYMPTOMS_URL" envDefault:"https://nthander2002-hachathonhub-symptomanalysis.hf.space"`
	DataAgentURL    string        `env:"INFERENCE_AGENT_URL" envDefault:"https://nthander2002-hachathonhub-agent.hf.space"`
	Timeout         time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"60s"`
	MaxUpload       int64         `env:"INFERENCE_MAX_UPLOAD" envDefault:"10485760"`
}

// RateLimitConfig はユーザー（未ログイン時はブラウザ）ごとの1分あたりのリクエスト上限。
type RateLimitConfig struct {
	General   int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	Auth      int `env:"RATE_LIMIT_AUTH" envDefault:"10"`
	Inference int `env:"RATE_LIMIT_INFERENCE" envDefault:"20"`
	// BrowserMint はCookieなしのリクエストでIPごとに発行できるブラウザセッション数。
	BrowserMint int `env:"RATE_LIMIT_BROWSER_MINT" envDefault:"30"`
}

// AvatarConfig はアバター画像プロキシの設定。
type AvatarConfig struct {
	Timeout time.Duration `env:"AVATAR_FETCH_TIMEOUT" envDefault:"5s"`
	MaxSize int64         `env:"AVATAR_MAX_SIZE" envDefault:"2097152"`
}

// Load は.envファイル（存在する場合）と環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Session.Storage {
	case StoragePostgres, StorageRedis, StorageMemory:
	default:
		return fmt.Errorf("SESSION_STORAGE must be one of postgres, redis, memory: %q", c.Session.Storage)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be positive: %s", c.Session.IdleTTL)
	}
	if c.Session.MaxEntries <= 0 {
		return fmt.Errorf("SESSION_MAX_ENTRIES must be positive: %d", c.Session.MaxEntries)
	}
	if c.Inference.MaxUpload <= 0 {
		return fmt.Errorf("INFERENCE_MAX_UPLOAD must be positive: %d", c.Inference.MaxUpload)
	}
	return nil
}

// ParseLogLevel はLOG_LEVELの値をslog.Levelに変換する。
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}
