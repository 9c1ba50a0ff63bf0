package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. YAML supplies defaults;
// environment variables override the deployment-specific values.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Store struct {
		// Backend selects the cloud transport's document store:
		// "nats", "postgres", or "none" to run without one.
		Backend string `yaml:"backend"`
		NATS    struct {
			URL    string `yaml:"url"`
			Bucket string `yaml:"bucket"`
		} `yaml:"nats"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Session struct {
		RequireTask     bool          `yaml:"require_task"`
		AutoReveal      bool          `yaml:"auto_reveal"`
		AutoRevealDelay time.Duration `yaml:"auto_reveal_delay"`

		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PresenceTimeout   time.Duration `yaml:"presence_timeout"`
		PresenceInterval  time.Duration `yaml:"presence_interval"`
		PresenceTTL       time.Duration `yaml:"presence_ttl"`
	} `yaml:"session"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config
	config.Server.Port = "8080"
	config.Store.Backend = "none"
	config.Session.RequireTask = true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides for deployment-specific values
	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Store.Backend = getEnv("STORE_BACKEND", config.Store.Backend)
	config.Store.NATS.URL = getEnv("NATS_URL", config.Store.NATS.URL)
	config.Store.NATS.Bucket = getEnv("NATS_BUCKET", config.Store.NATS.Bucket)
	config.Store.Postgres.DSN = getEnv("POSTGRES_DSN", config.Store.Postgres.DSN)
	config.Session.AutoReveal = getEnvAsBool("AUTO_REVEAL", config.Session.AutoReveal)
	config.Session.RequireTask = getEnvAsBool("REQUIRE_TASK", config.Session.RequireTask)

	switch config.Store.Backend {
	case "nats", "postgres", "none":
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Store.Backend)
	}
	return &config, nil
}
