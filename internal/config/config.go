// Package config loads the server's runtime configuration from a YAML
// file with environment variable overrides, following the same
// file+env layering the rest of this corpus uses for its servers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the game-flow server.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	DispatchWorkers int           `yaml:"dispatch_workers"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	SendQueueSize   int           `yaml:"send_queue_size"`
	FrameMaxBytes   uint32        `yaml:"frame_max_bytes"`
	MailboxSize     int           `yaml:"mailbox_size"`

	MongoURI string `yaml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	EnginePath string `yaml:"engine_path"`

	LogLevel string `yaml:"log_level"`
}

// Defaults returns a Config populated with the server's baseline defaults.
func Defaults() Config {
	return Config{
		BindAddress:     "0.0.0.0",
		Port:            8080,
		DispatchWorkers: 4,
		ReadTimeout:     120 * time.Second,
		WriteTimeout:    5 * time.Second,
		SendQueueSize:   256,
		FrameMaxBytes:   10 * 1024 * 1024,
		MailboxSize:     4096,
		MongoURI:        "mongodb://localhost:27017",
		MongoDB:         "xiangqi",
		RedisAddr:       "localhost:6379",
		RedisDB:         0,
		EnginePath:      "pikafish",
		LogLevel:        "info",
	}
}

// Load reads a YAML config file at path (if it exists), layers environment
// variable overrides on top, and returns the result. A missing file is not
// an error — Defaults() plus env overrides is a valid configuration.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("XQ_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("XQ_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("MONGODB_DB"); v != "" {
		cfg.MongoDB = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		port := os.Getenv("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		cfg.RedisAddr = v + ":" + port
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("XQ_ENGINE_PATH"); v != "" {
		cfg.EnginePath = v
	}
	if v := os.Getenv("XQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
