// Package config handles application configuration from environment variables
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	StateSecret string `env:"STATE_SECRET" envDefault:"dev-state-secret"`

	// AdminToken, when set, is required as a bearer token on mutating
	// endpoints (precache trigger). Empty leaves them open.
	AdminToken string `env:"ADMIN_TOKEN"`

	// PrecacheSchedule is a cron expression for the daily precache run,
	// scheduled after the nightly order import window.
	PrecacheSchedule string `env:"PRECACHE_SCHEDULE" envDefault:"0 6 * * *"`

	AlertEmail string `env:"ALERT_EMAIL"`
	SMTPAddr   string `env:"SMTP_ADDR"`
	SMTPFrom   string `env:"SMTP_FROM"`

	Assets AssetProviderConfig `envPrefix:"ASSETS_"`
}

// AssetProviderConfig holds credentials and endpoints for the remote asset
// provider that hosts product photos.
type AssetProviderConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	APIBaseURL   string `env:"API_URL"`
	CDNBaseURL   string `env:"CDN_URL"`
	TokenURL     string `env:"TOKEN_URL"`
	AuthURL      string `env:"AUTH_URL"`

	// RefreshToken seeds the token store on first boot for headless
	// deployments that never go through the browser connect flow.
	RefreshToken string `env:"REFRESH_TOKEN"`

	MemoryCacheSize int `env:"MEMORY_CACHE_SIZE" envDefault:"200"`
}

// Load reads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate ensures the asset provider configuration is complete enough to
// refresh tokens and fetch assets. The connect flow additionally needs
// ASSETS_AUTH_URL, checked at the route.
func (c Config) Validate() error {
	required := map[string]string{
		"ASSETS_CLIENT_ID":     c.Assets.ClientID,
		"ASSETS_CLIENT_SECRET": c.Assets.ClientSecret,
		"ASSETS_API_URL":       c.Assets.APIBaseURL,
		"ASSETS_CDN_URL":       c.Assets.CDNBaseURL,
		"ASSETS_TOKEN_URL":     c.Assets.TokenURL,
	}
	for _, name := range []string{"ASSETS_CLIENT_ID", "ASSETS_CLIENT_SECRET", "ASSETS_API_URL", "ASSETS_CDN_URL", "ASSETS_TOKEN_URL"} {
		if required[name] == "" {
			return fmt.Errorf("asset provider not configured - please set %s", name)
		}
	}
	if c.Assets.MemoryCacheSize <= 0 {
		return fmt.Errorf("ASSETS_MEMORY_CACHE_SIZE must be positive, got %d", c.Assets.MemoryCacheSize)
	}
	return nil
}
