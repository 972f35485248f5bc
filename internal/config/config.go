package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "HERALD"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "herald.db"
	defaultLogLevel        = "info"
	defaultPushWorkers     = 16
	defaultPushMaxAttempts = 5
	defaultEngineWorkers   = 4
)

// AppConfig captures runtime configuration for the notification engine.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
	PushWorkers     int
	PushMaxAttempts int
	EngineWorkers   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("push.workers", defaultPushWorkers)
	configViper.SetDefault("push.max_attempts", defaultPushMaxAttempts)
	configViper.SetDefault("engine.workers", defaultEngineWorkers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		VAPIDPublicKey:  configViper.GetString("vapid.public_key"),
		VAPIDPrivateKey: configViper.GetString("vapid.private_key"),
		VAPIDSubscriber: configViper.GetString("vapid.subscriber"),
		PushWorkers:     configViper.GetInt("push.workers"),
		PushMaxAttempts: configViper.GetInt("push.max_attempts"),
		EngineWorkers:   configViper.GetInt("engine.workers"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.VAPIDPublicKey) == "" {
		return fmt.Errorf("vapid.public_key is required")
	}
	if strings.TrimSpace(c.VAPIDPrivateKey) == "" {
		return fmt.Errorf("vapid.private_key is required")
	}
	if strings.TrimSpace(c.VAPIDSubscriber) == "" {
		return fmt.Errorf("vapid.subscriber is required")
	}
	if c.PushWorkers <= 0 {
		return fmt.Errorf("push.workers must be positive")
	}
	if c.PushMaxAttempts <= 0 {
		return fmt.Errorf("push.max_attempts must be positive")
	}
	return nil
}
