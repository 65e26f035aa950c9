// Package config provides configuration management for the go-solarman application.
package config

import (
	"fmt"

	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration. It is loaded once per process
// and immutable afterwards.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	// Poll interval between cycles, in seconds
	Interval int `mapstructure:"interval"`

	// Solarman cloud API settings
	Solarman struct {
		Host       string `mapstructure:"host"`
		AppID      string `mapstructure:"app_id"`
		AppSecret  string `mapstructure:"app_secret"`
		Email      string `mapstructure:"email"`
		Password   string `mapstructure:"password"`
		OrgID      string `mapstructure:"org_id"`
		StationID  int64  `mapstructure:"station_id"`
		InverterSN string `mapstructure:"inverter_sn"`
		LoggerSN   string `mapstructure:"logger_sn"`
	} `mapstructure:"solarman"`

	// MQTT settings
	MQTT struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			DeviceModel        string `mapstructure:"device_model"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// HTTP status API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		Debug:    false,
		Interval: 300,
	}

	// Default MQTT settings
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/solarman"
	cfg.MQTT.Retain = false

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Solarman Station"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Solarman"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	return cfg
}

// Load reads the configuration from a file and environment variables.
// A missing or unreadable file is an error: without credentials and device
// ids there is nothing to poll.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigFile(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	// Bind environment variables
	v.SetEnvPrefix("SOLARMAN")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// Validate checks the loaded configuration once, so the rest of the code
// can rely on the required fields being present.
func (c *Config) Validate() error {
	required := []struct {
		value string
		name  string
	}{
		{c.Solarman.Host, "solarman.host"},
		{c.Solarman.AppID, "solarman.app_id"},
		{c.Solarman.AppSecret, "solarman.app_secret"},
		{c.Solarman.Email, "solarman.email"},
		{c.Solarman.Password, "solarman.password"},
		{c.Solarman.InverterSN, "solarman.inverter_sn"},
		{c.Solarman.LoggerSN, "solarman.logger_sn"},
		{c.MQTT.Host, "mqtt.host"},
		{c.MQTT.Topic, "mqtt.topic"},
	}

	for _, field := range required {
		if field.value == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}

	if c.Solarman.StationID <= 0 {
		return fmt.Errorf("solarman.station_id is required")
	}

	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %d", c.Interval)
	}

	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port)
	}

	return nil
}

// Credentials returns the Solarman account credentials for the token
// exchange.
func (c *Config) Credentials() domain.Credentials {
	return domain.Credentials{
		Host:      c.Solarman.Host,
		AppID:     c.Solarman.AppID,
		AppSecret: c.Solarman.AppSecret,
		Email:     c.Solarman.Email,
		Password:  c.Solarman.Password,
		OrgID:     c.Solarman.OrgID,
	}
}

// Print displays the current configuration. Secrets are never logged.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-solarman Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Bool("debug", c.Debug).Msg("General")
	logger.Info().Int("interval_seconds", c.Interval).Msg("Poll interval")

	logger.Info().
		Str("host", c.Solarman.Host).
		Str("app_id", c.Solarman.AppID).
		Str("email", c.Solarman.Email).
		Int64("station_id", c.Solarman.StationID).
		Str("inverter_sn", c.Solarman.InverterSN).
		Str("logger_sn", c.Solarman.LoggerSN).
		Msg("Solarman API")

	logger.Info().
		Str("host", c.MQTT.Host).
		Int("port", c.MQTT.Port).
		Str("topic", c.MQTT.Topic).
		Bool("retain", c.MQTT.Retain).
		Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
		Msg("MQTT")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Msg("-----------------------------")
}
