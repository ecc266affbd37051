// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rapidaai/callbridge/pkg/configs"
	"github.com/rapidaai/callbridge/pkg/utils"
	"github.com/spf13/viper"
)

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Application config structure
type TransferConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogPath  string `mapstructure:"log_path"`
	Env      string `mapstructure:"env"`

	Store          StoreConfig            `mapstructure:"store" validate:"required"`
	PostgresConfig configs.PostgresConfig `mapstructure:"postgres" validate:"-"`
	RedisConfig    configs.RedisConfig    `mapstructure:"redis" validate:"-"`
	Provider       ProviderConfig         `mapstructure:"provider" validate:"required"`
	Media          MediaConfig            `mapstructure:"media" validate:"required"`

	// PublicBaseURL is how the call-control provider reaches this service.
	PublicBaseURL        string        `mapstructure:"public_base_url" validate:"required,url"`
	HoldMusicURL         string        `mapstructure:"hold_music_url" validate:"omitempty,url"`
	RecordingCallbackURL string        `mapstructure:"recording_callback_url" validate:"omitempty,url"`
	TemplateDir          string        `mapstructure:"template_dir"`
	SessionTTL           time.Duration `mapstructure:"session_ttl" validate:"min=1s"`
	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl" validate:"min=1s"`
	EventsRetention      int64         `mapstructure:"events_retention" validate:"min=0"`
	ValidateWebhooks     bool          `mapstructure:"validate_webhooks"`
	CorsOrigins          []string      `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=redis postgres"`
	// Migrate applies the embedded schema migrations on boot (postgres only).
	Migrate bool `mapstructure:"migrate"`
}

type ProviderConfig struct {
	Name       string                 `mapstructure:"name" validate:"required,oneof=twilio signalwire vonage"`
	Credential map[string]interface{} `mapstructure:"credential" validate:"required"`
	Timeout    time.Duration          `mapstructure:"timeout" validate:"min=1s"`
	// FallbackCallerID is the From number when a transfer request carries none.
	FallbackCallerID string `mapstructure:"fallback_caller_id"`
}

type MediaConfig struct {
	// SIPDomain hosts the agent runtime the caller is handed back to.
	SIPDomain     string `mapstructure:"sip_domain" validate:"required"`
	ServiceNumber string `mapstructure:"service_number"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()
	setDefault(vConfig)

	if err := vConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Printf("Reading from env varaibles.")
	}
	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "transfer-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9010)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", "/var/log/transfer-api")
	v.SetDefault("ENV", "development")

	v.SetDefault("STORE__DRIVER", StoreRedis)
	v.SetDefault("STORE__MIGRATE", false)

	v.SetDefault("POSTGRES__HOST", "localhost")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "<>")
	v.SetDefault("POSTGRES__AUTH__USER", "<>")
	v.SetDefault("POSTGRES__AUTH__PASSWORD", "<>")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDEAL_CONNECTION", 10)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__DB", 0)
	v.SetDefault("REDIS__MAX_CONNECTION", 10)

	v.SetDefault("PROVIDER__NAME", "twilio")
	v.SetDefault("PROVIDER__TIMEOUT", 10*time.Second)
	v.SetDefault("PROVIDER__FALLBACK_CALLER_ID", "")

	v.SetDefault("MEDIA__SIP_DOMAIN", "")
	v.SetDefault("MEDIA__SERVICE_NUMBER", "")

	v.SetDefault("PUBLIC_BASE_URL", "")
	v.SetDefault("HOLD_MUSIC_URL", "")
	v.SetDefault("RECORDING_CALLBACK_URL", "")
	v.SetDefault("TEMPLATE_DIR", "")
	v.SetDefault("SESSION_TTL", 30*time.Minute)
	v.SetDefault("IDEMPOTENCY_TTL", time.Hour)
	v.SetDefault("EVENTS_RETENTION", 0)
	v.SetDefault("VALIDATE_WEBHOOKS", true)
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*TransferConfig, error) {
	var config TransferConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	if err = validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	switch config.Store.Driver {
	case StorePostgres:
		err = validate.Struct(&config.PostgresConfig)
	case StoreRedis:
		err = validate.Struct(&config.RedisConfig)
	}
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, fmt.Errorf("invalid %s store config: %w", config.Store.Driver, err)
	}
	return &config, nil
}

func (c *TransferConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *TransferConfig) Environment() utils.RapidaEnvironment {
	return utils.FromEnvironmentStr(c.Env)
}
