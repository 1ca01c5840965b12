package channel

import (
	"fmt"
	"time"
)

const (
	DefaultInstructionTopicTemplate = "node/{nodeId}/instr"
	DefaultDatumSubscribeTopic      = "node/+/datum"
	DefaultPublishTimeout           = 10 * time.Second
)

// Config configures the MQTT message channel dispatcher.
type Config struct {
	InstructionTopicTemplate string        `json:"instruction_topic_template"`
	DatumSubscribeTopic      string        `json:"datum_subscribe_topic"`
	PublishQoS               byte          `json:"publish_qos"`
	SubscribeQoS             byte          `json:"subscribe_qos"`
	PublishTimeout           time.Duration `json:"publish_timeout"`
	StatsLogFrequency        int           `json:"stats_log_frequency"`
	// ExcludedTopics are instruction topics owned by another dispatcher.
	ExcludedTopics []string `json:"excluded_topics"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		InstructionTopicTemplate: DefaultInstructionTopicTemplate,
		DatumSubscribeTopic:      DefaultDatumSubscribeTopic,
		PublishQoS:               1,
		SubscribeQoS:             1,
		PublishTimeout:           DefaultPublishTimeout,
	}
}

// SetDefaults fills empty string and duration fields. QoS values are left
// alone since 0 is a valid level.
func (c *Config) SetDefaults() {
	if c.InstructionTopicTemplate == "" {
		c.InstructionTopicTemplate = DefaultInstructionTopicTemplate
	}
	if c.DatumSubscribeTopic == "" {
		c.DatumSubscribeTopic = DefaultDatumSubscribeTopic
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PublishQoS > 2 {
		return fmt.Errorf("publish_qos must be 0, 1 or 2, got %d", c.PublishQoS)
	}
	if c.SubscribeQoS > 2 {
		return fmt.Errorf("subscribe_qos must be 0, 1 or 2, got %d", c.SubscribeQoS)
	}
	if c.StatsLogFrequency < 0 {
		return fmt.Errorf("stats_log_frequency must not be negative")
	}
	return nil
}
