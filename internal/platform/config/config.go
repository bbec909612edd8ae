package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the relay service.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	PostgresDSN string `mapstructure:"POSTGRES_DSN" validate:"required"`
	NATSUrl     string `mapstructure:"NATS_URL" validate:"required"`

	// OperatorChatRef is the conversation reference of the operator.
	// Commands and replies are only honored when they originate here.
	OperatorChatRef string `mapstructure:"OPERATOR_CHAT_REF" validate:"required"`

	// SupervisoryChatRef optionally mirrors user detail cards to a second
	// conversation. Empty means everything goes to the operator.
	SupervisoryChatRef string `mapstructure:"SUPERVISORY_CHAT_REF"`

	// Language selects the user-facing notice strings ("en" or "fa").
	Language string `mapstructure:"LANGUAGE"`

	DedupWindowMs    int `mapstructure:"DEDUP_WINDOW_MS" validate:"gt=0"`
	BroadcastDelayMs int `mapstructure:"BROADCAST_DELAY_MS" validate:"gte=0"`

	// RedrainGraceMs is how long a forwarded message may sit without an
	// operator reference before /redrain returns it to the pending pool.
	RedrainGraceMs int `mapstructure:"REDRAIN_GRACE_MS" validate:"gt=0"`

	AdminPort int `mapstructure:"ADMIN_PORT" validate:"gt=0"`
}

// Load reads config.defaults.yaml (if present) and APP_-prefixed environment
// variables, then validates the result. A validation failure here is a fatal
// startup error; the process must not start serving without an operator
// reference or a reachable persistence DSN.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config.defaults")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix("APP")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("POSTGRES_DSN", "")
	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("OPERATOR_CHAT_REF", "")
	v.SetDefault("SUPERVISORY_CHAT_REF", "")
	v.SetDefault("LANGUAGE", "en")
	v.SetDefault("DEDUP_WINDOW_MS", 5000)
	v.SetDefault("BROADCAST_DELAY_MS", 100)
	v.SetDefault("REDRAIN_GRACE_MS", 60000)
	v.SetDefault("ADMIN_PORT", 8080)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No file is fine; environment variables and defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
