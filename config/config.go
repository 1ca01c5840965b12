package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/fieldcmd/api"
	"github.com/kilianp07/fieldcmd/core/channel"
	"github.com/kilianp07/fieldcmd/infra/monitoring"
	"github.com/kilianp07/fieldcmd/infra/mqtt"
	"github.com/kilianp07/fieldcmd/infra/ocpp"
	"github.com/kilianp07/fieldcmd/infra/sqlstore"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nested keys, so K_MQTT__BROKER sets mqtt.broker.
const EnvPrefix = "K_"

type Config struct {
	MQTT    mqtt.Config       `json:"mqtt"`
	Channel channel.Config    `json:"channel"`
	Session SessionConfig     `json:"session"`
	OCPP    ocpp.Config       `json:"ocpp"`
	Store   sqlstore.Config   `json:"store"`
	Datum   DatumConfig       `json:"datum"`
	API     api.Config        `json:"api"`
	Metrics MetricsConfig     `json:"metrics"`
	Sentry  monitoring.Config `json:"sentry"`
	Workers WorkersConfig     `json:"workers"`
	Expiry  ExpiryConfig      `json:"expiry"`
	Logging LoggingConfig     `json:"logging"`
}

// Default returns a configuration with every section defaulted. Loading
// decodes on top of it so that explicit zero values, such as QoS 0, are
// kept.
func Default() Config {
	cfg := Config{Channel: channel.DefaultConfig()}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields of every section.
func (c *Config) SetDefaults() {
	c.Channel.SetDefaults()
	c.Session.SetDefaults()
	c.OCPP.SetDefaults()
	c.Store.SetDefaults()
	c.Metrics.SetDefaults()
	c.Workers.SetDefaults()
	c.Expiry.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"mqtt", c.MQTT.Validate},
		{"channel", c.Channel.Validate},
		{"session", c.Session.Validate},
		{"ocpp", c.OCPP.Validate},
		{"store", c.Store.Validate},
		{"datum", c.Datum.Validate},
		{"workers", c.Workers.Validate},
		{"logging", c.Logging.Validate},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	return nil
}

// Load reads path (yaml or json) and applies K_ environment overrides. An
// empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
