package exporter

import (
	"time"
)

// RetryPolicy is a bounded exponential backoff schedule applied at a fallible
// boundary (alter, insert, deduplicate).
type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts"`
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`
	Multiplier     float64       `json:"multiplier"`
}

// BatchConfig contains row batching settings.
type BatchConfig struct {
	// MaxRows bounds the size of one streaming insert.
	MaxRows int `json:"maxRows"`
}

// Config is the process-wide exporter configuration, fixed for one run.
type Config struct {
	Mode       MigrationMode     `json:"mode"`
	Blueprints []BlueprintConfig `json:"blueprints"`
	Batch      BatchConfig       `json:"batch"`
	// Workers bounds how many blueprints export concurrently.
	Workers    int         `json:"workers"`
	WriteRetry RetryPolicy `json:"writeRetry"`
	AlterRetry RetryPolicy `json:"alterRetry"`
	DedupRetry RetryPolicy `json:"dedupRetry"`
}

// DefaultConfig returns a configuration with operational defaults. Blueprints
// and the migration mode still need to be filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		Mode: MigrationWeak,
		Batch: BatchConfig{
			MaxRows: 500,
		},
		Workers: 4,
		WriteRetry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     4 * time.Second,
			Multiplier:     2.0,
		},
		AlterRetry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     4 * time.Second,
			Multiplier:     2.0,
		},
		DedupRetry: RetryPolicy{
			MaxAttempts:    6,
			InitialBackoff: 30 * time.Second,
			MaxBackoff:     4 * time.Minute,
			Multiplier:     2.0,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := ParseMigrationMode(string(c.Mode)); err != nil {
		return &ConfigError{Field: "mode", Message: err.Error()}
	}
	if len(c.Blueprints) == 0 {
		return &ConfigError{Field: "blueprints", Message: "at least one blueprint is required"}
	}
	seen := make(map[string]bool, len(c.Blueprints))
	for _, bc := range c.Blueprints {
		if bc.Identifier == "" {
			return &ConfigError{Field: "blueprints.identifier", Message: "must not be empty"}
		}
		if seen[bc.Identifier] {
			return &ConfigError{Field: "blueprints.identifier", Message: "duplicate blueprint '" + bc.Identifier + "'"}
		}
		seen[bc.Identifier] = true
	}
	if c.Batch.MaxRows <= 0 {
		return &ConfigError{Field: "batch.maxRows", Message: "must be greater than 0"}
	}
	if c.Workers <= 0 {
		return &ConfigError{Field: "workers", Message: "must be greater than 0"}
	}
	for field, p := range map[string]RetryPolicy{
		"writeRetry": c.WriteRetry,
		"alterRetry": c.AlterRetry,
		"dedupRetry": c.DedupRetry,
	} {
		if p.MaxAttempts < 1 {
			return &ConfigError{Field: field + ".maxAttempts", Message: "must be at least 1"}
		}
		if p.InitialBackoff <= 0 {
			return &ConfigError{Field: field + ".initialBackoff", Message: "must be greater than 0"}
		}
		if p.Multiplier < 1 {
			return &ConfigError{Field: field + ".multiplier", Message: "must be at least 1"}
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
