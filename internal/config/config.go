// Package config holds the runtime configuration for qwen-proxy.
// Configuration comes exclusively from environment variables; bootstrap
// loads a .env file first so local deployments can keep settings in one
// place.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Defaults for the closed set of environment variables.
const (
	DefaultPort         = 3008
	DefaultHost         = "0.0.0.0"
	DefaultPassword     = "qwen123"
	DefaultDatabasePath = "data/tokens.db"
	DefaultTimezone     = "Asia/Shanghai"

	DefaultOAuthBaseURL = "https://chat.qwen.ai"
	DefaultClientID     = "f0304373b74a44d2b584a3fb70ca9e56"
	DefaultScope        = "openid profile email model.completion"
	DefaultAPIEndpoint  = "https://portal.qwen.ai/v1/chat/completions"

	// DeviceGrantType is the RFC 8628 grant type for the device token exchange.
	DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// DefaultRefreshIntervalMinutes is the scheduler cadence when
	// TOKEN_REFRESH_INTERVAL is unset.
	DefaultRefreshIntervalMinutes = 30
)

// Config is the resolved runtime configuration.
type Config struct {
	Port         int
	Host         string
	APIPassword  string
	DatabasePath string
	Debug        bool
	LogLevel     string
	Timezone     string

	OAuthBaseURL  string
	OAuthClientID string
	OAuthScope    string
	APIEndpoint   string

	// RefreshIntervalMinutes drives the minute-based scheduler cadence.
	RefreshIntervalMinutes int
	// RefreshIntervalSeconds, when non-zero, opts into the seconds-based
	// cadence (TOKEN_REFRESH_INTERVAL with an "s" suffix, e.g. "90s").
	RefreshIntervalSeconds int
	SchedulerEnabled       bool
}

// FromEnv builds a Config from the process environment, applying defaults
// for anything unset.
func FromEnv() *Config {
	cfg := &Config{
		Port:                   envInt("PORT", DefaultPort),
		Host:                   envString("HOST", DefaultHost),
		APIPassword:            envString("API_PASSWORD", DefaultPassword),
		DatabasePath:           envString("DATABASE_URL", DefaultDatabasePath),
		Debug:                  envBool("DEBUG", false),
		LogLevel:               envString("LOG_LEVEL", "info"),
		Timezone:               envString("TZ", DefaultTimezone),
		OAuthBaseURL:           envString("QWEN_OAUTH_BASE_URL", DefaultOAuthBaseURL),
		OAuthClientID:          envString("QWEN_OAUTH_CLIENT_ID", DefaultClientID),
		OAuthScope:             envString("QWEN_OAUTH_SCOPE", DefaultScope),
		APIEndpoint:            envString("QWEN_API_ENDPOINT", DefaultAPIEndpoint),
		RefreshIntervalMinutes: DefaultRefreshIntervalMinutes,
		SchedulerEnabled:       envBool("SCHEDULER_ENABLED", true),
	}

	if raw := strings.TrimSpace(os.Getenv("TOKEN_REFRESH_INTERVAL")); raw != "" {
		if secs, ok := strings.CutSuffix(raw, "s"); ok {
			if n, err := strconv.Atoi(secs); err == nil && n > 0 {
				cfg.RefreshIntervalSeconds = n
			}
		} else if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.RefreshIntervalMinutes = n
		}
	}

	return cfg
}

// DeviceCodeEndpoint returns the device authorization endpoint.
func (c *Config) DeviceCodeEndpoint() string {
	return strings.TrimSuffix(c.OAuthBaseURL, "/") + "/api/v1/oauth2/device/code"
}

// TokenEndpoint returns the token exchange and refresh endpoint.
func (c *Config) TokenEndpoint() string {
	return strings.TrimSuffix(c.OAuthBaseURL, "/") + "/api/v1/oauth2/token"
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}
