// Package config holds the runtime settings shared by the devicelink binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
	"github.com/MarkoPoloResearchLab/devicelink/pkg/devicelink"
)

const (
	defaultDatabaseURL    = "sqlite:///tmp/devicelink.db"
	defaultListenAddr     = ":9090"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultRedisAddr      = "localhost:6379"
	defaultPortalTimeout  = 2 * time.Minute
	defaultAdminRole      = "admin"
	defaultAPIVersion     = "v1"
	listSeparator         = ","
	storeDriverGorm       = "gorm"
	storeDriverPgx        = "pgx"
	tokenCacheFile        = "file"
	tokenCacheRedis       = "redis"
	tokenCacheNone        = "none"
	defaultStoreDriver    = storeDriverGorm
	defaultTokenCacheKind = tokenCacheFile
)

// Store drivers and token cache kinds accepted by Validate.
const (
	StoreDriverGorm = storeDriverGorm
	StoreDriverPgx  = storeDriverPgx
	TokenCacheFile  = tokenCacheFile
	TokenCacheRedis = tokenCacheRedis
	TokenCacheNone  = tokenCacheNone
)

// ErrInvalidConfig reports missing or malformed settings.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for the reconciliation job, the admin CLI,
// and the portal API.
type Config struct {
	DatabaseURL string
	StoreDriver string

	ControllerBaseURL     string
	ControllerAppID       string
	ControllerSecret      string
	ControllerAPIVersion  string
	ControllerToken       string
	ControllerTimeout     time.Duration
	ControllerAuthTimeout time.Duration

	TokenCache    string
	TokenCacheDir string
	RedisAddr     string

	RetryWindow     time.Duration
	DiscoveryWindow time.Duration
	Month           string
	DryRun          bool
	Debug           bool

	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminRoles        []string
	RunTimeout        time.Duration
}

// Validate fills defaults and rejects settings the job cannot run with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, defaultStoreDriver))
	cfg.ControllerAPIVersion = defaultIfEmpty(cfg.ControllerAPIVersion, defaultAPIVersion)
	cfg.TokenCache = strings.ToLower(defaultIfEmpty(cfg.TokenCache, defaultTokenCacheKind))
	cfg.RedisAddr = defaultIfEmpty(cfg.RedisAddr, defaultRedisAddr)
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = devicelink.DefaultRetryWindow
	}
	if cfg.DiscoveryWindow <= 0 {
		cfg.DiscoveryWindow = devicelink.DefaultDiscoveryWindow
	}
	if strings.TrimSpace(cfg.ControllerBaseURL) == "" {
		return fmt.Errorf("%w: controller base url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ControllerAppID) == "" {
		return fmt.Errorf("%w: controller app id is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ControllerSecret) == "" {
		return fmt.Errorf("%w: controller secret is required", ErrInvalidConfig)
	}
	switch cfg.StoreDriver {
	case storeDriverGorm, storeDriverPgx:
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, cfg.StoreDriver)
	}
	switch cfg.TokenCache {
	case tokenCacheFile, tokenCacheRedis, tokenCacheNone:
	default:
		return fmt.Errorf("%w: unsupported token cache %q", ErrInvalidConfig, cfg.TokenCache)
	}
	if strings.TrimSpace(cfg.Month) != "" {
		if _, err := devicelink.ParseBillingMonth(cfg.Month); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if _, err := cfg.Controller().Normalized(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ValidatePortal applies Validate plus the portal API settings.
func (cfg *Config) ValidatePortal() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if len(cfg.AdminRoles) == 0 {
		cfg.AdminRoles = []string{defaultAdminRole}
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultPortalTimeout
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	return nil
}

// Controller projects the controller settings.
func (cfg Config) Controller() controller.Config {
	return controller.Config{
		BaseURL:     strings.TrimSpace(cfg.ControllerBaseURL),
		AppID:       strings.TrimSpace(cfg.ControllerAppID),
		Secret:      cfg.ControllerSecret,
		APIVersion:  cfg.ControllerAPIVersion,
		StaticToken: strings.TrimSpace(cfg.ControllerToken),
		Timeout:     cfg.ControllerTimeout,
		AuthTimeout: cfg.ControllerAuthTimeout,
	}
}

// BillingMonth returns the configured month, or the month containing now.
func (cfg Config) BillingMonth(now time.Time) (devicelink.BillingMonth, error) {
	if strings.TrimSpace(cfg.Month) == "" {
		return devicelink.MonthOf(now), nil
	}
	return devicelink.ParseBillingMonth(cfg.Month)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits comma-delimited values into a slice, dropping blanks.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, listSeparator)
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
