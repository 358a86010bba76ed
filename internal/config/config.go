// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort        string     `env:"SERVER_PORT" envDefault:"8080"`
	PublicURL         string     `env:"PUBLIC_URL,required,notEmpty"`
	ActivationURL     string     `env:"ACTIVATION_URL" envDefault:"https://whalesplainer.com"`
	BuoyURL           string     `env:"BUOY_SERVICE_URL" envDefault:"https://cb.anchor.link"`
	CORSAllowedOrigin string     `env:"CORS_ALLOWED_ORIGIN"`
	LogLevel          slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// Stripe
	StripeSecretKey        string        `env:"STRIPE_PRIVATE_KEY,required,notEmpty"`
	StripePublishableKey   string        `env:"STRIPE_PUBLIC_KEY,required,notEmpty"`
	StripeWebhookSecret    string        `env:"STRIPE_ENDPOINT_SECRET,required,notEmpty"`
	StripeProductID        string        `env:"STRIPE_PRODUCT_ID"`
	StripeWebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"30s"`

	// Sextant
	SextantURL       string `env:"SEXTANT_URL" envDefault:"http://localhost:8090"`
	SextantDeviceID  string `env:"SEXTANT_DEVICE_UUID"`
	SextantKeyPEM    string `env:"SEXTANT_KEY,required,notEmpty"`
	SextantProductID string `env:"SEXTANT_PRODUCT_ID"`
	CreatorVersion   string `env:"ACCOUNT_CREATOR_VERSION" envDefault:"account-creation-portal"`

	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	// Auth
	GoogleClientID     string        `env:"AUTH_GOOGLE_ID"`
	GoogleClientSecret string        `env:"AUTH_GOOGLE_SECRET"`
	AppleClientID      string        `env:"AUTH_APPLE_ID"`
	AppleTeamID        string        `env:"AUTH_APPLE_TEAM_ID"`
	AppleKeyID         string        `env:"AUTH_APPLE_KEY_ID"`
	AppleSecret        string        `env:"AUTH_APPLE_SECRET"`
	AuthRedirectURL    string        `env:"AUTH_REDIRECT_URL"`
	SessionSecret      string        `env:"AUTH_SECRET,required,notEmpty"`
	SessionMaxAge      time.Duration `env:"SESSION_MAX_AGE" envDefault:"720h"`

	// SendGrid
	SendGridKey      string `env:"SENDGRID_KEY"`
	SendGridTemplate string `env:"SENDGRID_TEMPLATE"`
	SendGridFrom     string `env:"SENDGRID_FROM"`

	// Banxa
	BanxaURL    string `env:"BANXA_API_URL"`
	BanxaKey    string `env:"BANXA_API_KEY"`
	BanxaSecret string `env:"BANXA_API_SECRET"`

	// Rate Limit
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	sextantKey *ecdsa.PrivateKey
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合は未設定の変数をまとめたエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	key, err := ParseSigningKey(cfg.SextantKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid SEXTANT_KEY: %w", err)
	}
	cfg.sextantKey = key

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.AuthRedirectURL == "" {
		cfg.AuthRedirectURL = cfg.PublicURL + "/auth/callback"
	}
	if cfg.CORSAllowedOrigin == "" {
		cfg.CORSAllowedOrigin = cfg.PublicURL
	}

	return cfg, nil
}

// SextantKey はSEXTANT_KEYを解析した署名鍵を返す。
func (c *Config) SextantKey() *ecdsa.PrivateKey {
	return c.sextantKey
}

// GoogleEnabled はGoogleログインが設定されているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// AppleEnabled はAppleログインが設定されているかを返す。
func (c *Config) AppleEnabled() bool {
	return c.AppleClientID != "" && c.AppleTeamID != "" && c.AppleKeyID != "" && c.AppleSecret != ""
}

// ParseSigningKey はPEM形式のEC秘密鍵（SEC1またはPKCS#8）を解析する。
// 環境変数で改行を表現できない場合に備え、リテラルの "\n" も改行として扱う。
func ParseSigningKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), `\n`, "\n")
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
