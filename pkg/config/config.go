// Package config provides a reusable loader for validator configuration
// files and environment variables, built over viper: ReadInConfig against a
// named file, optional environment-specific merge, AutomaticEnv for
// overrides, then Unmarshal into a typed struct.
//
// Version: v0.1.0
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/equity-validator/equity/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a validator node.
type Config struct {
	Network struct {
		ClientListenAddr  string `mapstructure:"client_listen_addr" json:"client_listen_addr"`
		PeerListenAddr    string `mapstructure:"peer_listen_addr" json:"peer_listen_addr"`
		SeedPeerAddr      string `mapstructure:"seed_peer_addr" json:"seed_peer_addr"`
		SeedPeerPublicKey string `mapstructure:"seed_peer_public_key" json:"seed_peer_public_key"`
		IdleTimeoutMS     int    `mapstructure:"idle_timeout_ms" json:"idle_timeout_ms"`
		OutboundQueueSize int    `mapstructure:"outbound_queue_size" json:"outbound_queue_size"`
	} `mapstructure:"network" json:"network"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded. A
// missing default.yaml is not an error: a validator can run entirely off
// flags and environment variables, so the config file layer is optional.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath(".")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	var notFound viper.ConfigFileNotFoundError
	if err := viper.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env via godotenv in cmd/validator

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VALIDATOR_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VALIDATOR_ENV", ""))
}
