package eventsaga

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the engine tuning knobs, for deployments that
// prefer a YAML file over code. Saga definitions themselves are always
// constructed in code.
type Config struct {
	LogLevel            string `yaml:"logLevel"`
	LogFormat           string `yaml:"logFormat"`
	ActionWorkers       int    `yaml:"actionWorkers"`
	CompensationWorkers int    `yaml:"compensationWorkers"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch LogFormat(c.LogFormat) {
	case "", TextFormat, JSONFormat:
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.ActionWorkers < 0 {
		return fmt.Errorf("actionWorkers must not be negative")
	}
	if c.CompensationWorkers < 0 {
		return fmt.Errorf("compensationWorkers must not be negative")
	}
	return nil
}

func (c *Config) apply(cfg *engineConfig) {
	switch c.LogLevel {
	case "debug":
		cfg.logLevel = slog.LevelDebug
	case "info":
		cfg.logLevel = slog.LevelInfo
	case "warn":
		cfg.logLevel = slog.LevelWarn
	case "error":
		cfg.logLevel = slog.LevelError
	}
	if c.LogFormat != "" {
		cfg.logFormat = LogFormat(c.LogFormat)
	}
	if c.ActionWorkers > 0 {
		cfg.actionWorkers = c.ActionWorkers
	}
	if c.CompensationWorkers > 0 {
		cfg.compensationWorkers = c.CompensationWorkers
	}
}
