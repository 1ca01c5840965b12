package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kilianp07/fieldcmd/core/factory"
)

// LoggingConfig selects the minimum log level.
type LoggingConfig struct {
	Level string `json:"level"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
		return nil
	}
	return fmt.Errorf("unknown log level %s", c.Level)
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusAddr    string `json:"prometheus_addr"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9090"
	}
}

// WorkersConfig sizes the shared delivery pool.
type WorkersConfig struct {
	PoolSize int `json:"pool_size"`
}

func (c *WorkersConfig) SetDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 16
	}
}

func (c WorkersConfig) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be positive")
	}
	return nil
}

// ExpiryConfig sets how often expired queued instructions are declined.
// A negative interval disables the sweep.
type ExpiryConfig struct {
	Interval time.Duration `json:"interval"`
}

func (c *ExpiryConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
}

// DatumConfig lists the sinks receiving datum, each built by type name.
type DatumConfig struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
}

func (c DatumConfig) Validate() error {
	for i, s := range c.Sinks {
		if s.Type == "" {
			return fmt.Errorf("sinks[%d]: type is required", i)
		}
	}
	return nil
}
