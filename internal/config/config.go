// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents the RPC listener configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	WsPort       int           `mapstructure:"ws_port"`
	HttpPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DispatcherConfig represents request routing configuration
type DispatcherConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DropGrace      time.Duration `mapstructure:"drop_grace"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Load loads configuration from file, environment variables and the
// bound command line flags
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/comsrv")

	// Environment variable support
	v.SetEnvPrefix("COMSRV")
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Command line flags win over file and environment
	if flags != nil {
		bindings := map[string]string{
			"server.ws_port":   "ws-port",
			"server.http_port": "http-port",
		}
		for key, name := range bindings {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// The config file is optional; defaults cover a bare start
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.ws_port", 5902)
	v.SetDefault("server.http_port", 5903)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Dispatcher defaults
	v.SetDefault("dispatcher.request_timeout", "10s")
	v.SetDefault("dispatcher.drop_grace", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.WsPort <= 0 || config.Server.WsPort > 65535 {
		return fmt.Errorf("server.ws_port %d out of range", config.Server.WsPort)
	}
	if config.Server.HttpPort < 0 || config.Server.HttpPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", config.Server.HttpPort)
	}
	if config.Server.WsPort == config.Server.HttpPort {
		return fmt.Errorf("server.ws_port and server.http_port must differ")
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// GetWsAddr returns the WebSocket listener address
func (c *Config) GetWsAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.WsPort)
}

// GetHttpAddr returns the HTTP listener address
func (c *Config) GetHttpAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HttpPort)
}
