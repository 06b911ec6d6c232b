package eventsaga

import "log/slog"

type engineConfig struct {
	logger    Logger
	logLevel  slog.Leveler
	logFormat LogFormat

	actionWorkers       int
	compensationWorkers int
}

type Option func(*engineConfig)

func WithLogger(logger Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

func WithLogLevel(level slog.Leveler) Option {
	return func(c *engineConfig) {
		c.logLevel = level
	}
}

func WithLogFormat(format LogFormat) Option {
	return func(c *engineConfig) {
		c.logFormat = format
	}
}

// If your step actions block on slow remote calls you should increase this
// number accordingly.
func WithActionWorkers(n int) Option {
	return func(c *engineConfig) {
		c.actionWorkers = n
	}
}

func WithCompensationWorkers(n int) Option {
	return func(c *engineConfig) {
		c.compensationWorkers = n
	}
}

// WithConfig applies a file-loaded configuration; explicit options given
// after it still win.
func WithConfig(cfg *Config) Option {
	return func(c *engineConfig) {
		cfg.apply(c)
	}
}
