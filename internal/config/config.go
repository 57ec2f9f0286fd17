package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pusher    PusherConfig    `yaml:"pusher"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds admin API server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig holds settings for the scheduling loop.
type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"` // tick cadence (default: 5s)
}

// PusherConfig holds settings for the dispatch loop.
type PusherConfig struct {
	Interval  time.Duration           `yaml:"interval"`   // tick cadence (default: 5s)
	BatchSize int                     `yaml:"batch_size"` // max claims per tick (default: 100)
	Workers   map[string]WorkerConfig `yaml:"workers"`    // push destination -> worker
}

// WorkerConfig describes one push worker endpoint.
type WorkerConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{},
		Scheduler: SchedulerConfig{
			Interval: 5 * time.Second,
		},
		Pusher: PusherConfig{
			Interval:  5 * time.Second,
			BatchSize: 100,
			Workers:   map[string]WorkerConfig{},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file at path and returns a Config.
// Environment variables override file values: DATABASE_URL and LOG_LEVEL.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Ensure Workers map is never nil even if YAML has "workers: {}" or omits it.
	if cfg.Pusher.Workers == nil {
		cfg.Pusher.Workers = map[string]WorkerConfig{}
	}
	cfg.applyEnv()

	return cfg, nil
}

// LoadDefault tries to load "config.yaml" from the current directory.
// If the file does not exist, it returns sensible defaults.
// Any other error (e.g. permission denied, malformed YAML) is returned.
func LoadDefault() (*Config, error) {
	cfg, err := Load("config.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}
