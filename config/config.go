// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package config defines the file and environment configuration surface of
// the wardroom tools.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/wardroomhq/wardroom"
)

// ServerConfig defines parameters for reaching the XMPP server
type ServerConfig struct {
	// WebsocketURL is the server's XMPP-over-WebSocket endpoint
	WebsocketURL string `mapstructure:"websocket_url" json:"websocket_url" validate:"required,uri"`
	// Domain is the XMPP domain of the server
	Domain string `mapstructure:"domain" json:"domain" validate:"required,hostname"`
	// Origin is the WebSocket origin sent during the handshake; defaults to
	// https://<domain> when empty
	Origin string `mapstructure:"origin" json:"origin" validate:"omitempty,uri"`
	// ConnectTimeout is the max duration for establishing the session in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
}

// AuthConfig defines the session credentials
type AuthConfig struct {
	// Username is the account's local part
	Username string `mapstructure:"username" json:"username" validate:"required"`
	// Password authenticates the account
	Password string `mapstructure:"password" json:"password" validate:"required"`
	// Resource labels this login; the server assigns one when empty
	Resource string `mapstructure:"resource" json:"resource"`
}

// SystemConfig defines the complete wardroom client config
type SystemConfig struct {
	// Server are the XMPP server related config parameters
	Server ServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
	// Auth are the session credentials
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
}

// ClientConfig converts the loaded config into a wardroom client config.
func (c SystemConfig) ClientConfig() wardroom.Config {
	return wardroom.Config{
		URL:      c.Server.WebsocketURL,
		Origin:   c.Server.Origin,
		Domain:   c.Server.Domain,
		Username: c.Auth.Username,
		Password: c.Auth.Password,
		Resource: c.Auth.Resource,
	}
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	viper.SetDefault("server.connect_timeout_sec", 30)
}

// Load reads the config file (when given), layers WARDROOM_* environment
// variables over it, and validates the result.
func Load(configFile string) (SystemConfig, error) {
	InstallDefaultConfigValues()
	viper.SetEnvPrefix("wardroom")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return SystemConfig{}, fmt.Errorf("config: reading %s: %w", configFile, err)
		}
	}

	var cfg SystemConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return SystemConfig{}, fmt.Errorf("config: parsing: %w", err)
	}
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return SystemConfig{}, fmt.Errorf("config: validating: %w", err)
	}
	return cfg, nil
}
