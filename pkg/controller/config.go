package controller

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAPIVersion  = "v1"
	defaultTimeout     = 15 * time.Second
	defaultAuthTimeout = 10 * time.Second
)

// Config identifies one controller tenant.
type Config struct {
	BaseURL     string
	AppID       string
	Secret      string
	APIVersion  string
	StaticToken string
	Timeout     time.Duration
	AuthTimeout time.Duration
}

// Normalized fills defaults and validates required fields.
func (config Config) Normalized() (Config, error) {
	config.BaseURL = strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	config.AppID = strings.TrimSpace(config.AppID)
	config.Secret = strings.TrimSpace(config.Secret)
	config.StaticToken = strings.TrimSpace(config.StaticToken)
	config.APIVersion = strings.Trim(strings.TrimSpace(config.APIVersion), "/")
	if config.APIVersion == "" {
		config.APIVersion = defaultAPIVersion
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaultAuthTimeout
	}
	if config.BaseURL == "" {
		return Config{}, fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Config{}, fmt.Errorf("%w: base url %q must be an absolute http(s) url", ErrInvalidConfig, config.BaseURL)
	}
	if config.AppID == "" {
		return Config{}, fmt.Errorf("%w: app id is required", ErrInvalidConfig)
	}
	if config.Secret == "" {
		return Config{}, fmt.Errorf("%w: secret is required", ErrInvalidConfig)
	}
	return config, nil
}

// EndpointURL joins an endpoint path onto the base URL, dropping a leading
// API version segment when the base URL already ends with it.
func (config Config) EndpointURL(endpoint string) string {
	endpoint = "/" + strings.TrimLeft(endpoint, "/")
	versionPrefix := "/" + config.APIVersion
	if config.APIVersion != "" && strings.HasSuffix(config.BaseURL, versionPrefix) {
		if endpoint == versionPrefix {
			endpoint = ""
		} else if strings.HasPrefix(endpoint, versionPrefix+"/") {
			endpoint = strings.TrimPrefix(endpoint, versionPrefix)
		}
	}
	return config.BaseURL + endpoint
}

// Versioned prefixes path with the configured API version.
func (config Config) Versioned(path string) string {
	return "/" + config.APIVersion + "/" + strings.TrimLeft(path, "/")
}
