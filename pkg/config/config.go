// Package config loads billing daemon configuration from environment
// variables, with an optional YAML file for the service cost table and
// the purchasable package catalog.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/careermate/billing/pkg/billing"
)

// Config holds all configuration for the billing daemon.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	StripeAPIKey        string `mapstructure:"STRIPE_API_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	// CatalogFile points at an optional YAML file defining service costs
	// and purchasable packages. Defaults apply when empty.
	CatalogFile string `mapstructure:"BILLING_CATALOG_FILE"`
}

// Catalog holds the service cost table and purchasable packages loaded
// from the catalog file.
type Catalog struct {
	ServiceCosts         map[string]int64              `yaml:"service_costs"`
	TokenPackages        []billing.TokenPackage        `yaml:"token_packages"`
	SubscriptionPackages []billing.SubscriptionPackage `yaml:"subscription_packages"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORAGE_BACKEND", "memory")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.AutomaticEnv()

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "LOG_LEVEL", "STORAGE_BACKEND",
		"DATABASE_URL",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET",
		"BILLING_CATALOG_FILE",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, err
	}

	switch config.StorageBackend {
	case "memory", "redis":
	case "postgres":
		if config.DatabaseURL == "" {
			return config, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return config, fmt.Errorf("unknown storage backend %q", config.StorageBackend)
	}

	return config, nil
}

// LoadCatalog reads the cost table and package catalog from the given
// YAML file. An empty path returns the built-in defaults.
func LoadCatalog(path string) (*Catalog, error) {
	catalog := &Catalog{
		ServiceCosts: billing.DefaultCostTable().All(),
	}
	if path == "" {
		return catalog, nil
	}

	// Decoded with yaml.v3 directly: service names are case-sensitive map
	// keys and must survive the round trip exactly as written.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if len(catalog.ServiceCosts) == 0 {
		catalog.ServiceCosts = billing.DefaultCostTable().All()
	}
	return catalog, nil
}
