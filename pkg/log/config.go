package log

import (
	"fmt"
	"strings"
)

// Config defines logging configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error)
	Level string `yaml:"level" mapstructure:"level"`

	// Format sets the output format (json, text)
	Format string `yaml:"format" mapstructure:"format"`

	// EnableCaller adds the calling file and line to each entry
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// ApplyConfig builds a logger from a configuration.
func ApplyConfig(cfg Config, options ...LoggerOption) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "json":
		formatter = &JSONFormatter{EnableCaller: cfg.EnableCaller}
	case "text", "":
		tf := NewTextFormatter()
		tf.EnableCaller = cfg.EnableCaller
		formatter = tf
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	opts := append([]LoggerOption{WithLevel(level), WithFormatter(formatter)}, options...)
	return NewLogger(opts...), nil
}
