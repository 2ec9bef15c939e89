package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultAllowedOrigin   = "http://localhost:8000"
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
	defaultRequestTimeout  = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultHistoryLimit    = 50
	maxHistoryLimit        = 200
	claimsContextKey       = "auth_claims"
	cronSecretHeader       = "X-Cron-Secret"
	ownerSecretHeader      = "X-Owner-Secret"
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr          string
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	CronSecret          string
	OwnerSecret         string
	DevPurchases        bool
	Production          bool
	RequestTimeout      time.Duration
	ShutdownTimeout     time.Duration
}

// Validate fills defaults and rejects unsafe combinations.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.Production && cfg.DevPurchases {
		return fmt.Errorf("dev purchases cannot be enabled in production")
	}
	if cfg.Production && strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required in production")
	}
	if strings.TrimSpace(cfg.StripeSecretKey) != "" {
		if strings.TrimSpace(cfg.CheckoutSuccessURL) == "" || strings.TrimSpace(cfg.CheckoutCancelURL) == "" {
			return fmt.Errorf("checkout success and cancel urls are required with a stripe secret key")
		}
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
