// Package config loads the server configuration document (TOML) and the
// alarm-definition document (YAML) that together parameterize a running
// alarmd instance.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level server configuration. Missing sections and
// missing scalar fields fall back to the defaults applied in
// applyDefaults.
type Config struct {
	Broker BrokerConfig `toml:"broker"`
	Server ServerConfig `toml:"server"`
	DB     DBConfig     `toml:"db"`
	Alarm  AlarmConfig  `toml:"alarm"`
}

// BrokerConfig describes how to reach the message broker.
type BrokerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// ServerConfig describes the websocket/Admin API listen address.
type ServerConfig struct {
	BindAddr string `toml:"bind_addr"`
	Port     int    `toml:"port"`
}

// DBConfig describes the History Store endpoint.
type DBConfig struct {
	URL   string `toml:"url"`
	Table string `toml:"table"`
}

// AlarmConfig points at the alarm-definition document.
type AlarmConfig struct {
	DefinitionsPath string `toml:"definitions_path"`
}

const (
	defaultHost       = "127.0.0.1"
	defaultBrokerPort = 5672
	defaultServerPort = 8080
	defaultUsername   = "guest"
	defaultPassword   = "guest"
	defaultDBURL      = "http://localhost:9000"
	defaultTable      = "Alarms"
)

// LoadConfig reads the TOML document at path, unmarshals it into Config,
// and applies the built-in defaults to any missing section or field.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = defaultHost
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = defaultBrokerPort
	}
	if cfg.Broker.Username == "" {
		cfg.Broker.Username = defaultUsername
	}
	if cfg.Broker.Password == "" {
		cfg.Broker.Password = defaultPassword
	}
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = defaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.DB.URL == "" {
		cfg.DB.URL = defaultDBURL
	}
	if cfg.DB.Table == "" {
		cfg.DB.Table = defaultTable
	}
}
