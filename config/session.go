package config

import (
	"fmt"

	"github.com/kilianp07/fieldcmd/core/session"
)

// SessionConfig configures the OCPP dispatcher and the charge points it
// knows at startup.
type SessionConfig struct {
	SourceIDTemplate  string                `json:"source_id_template"`
	StatsLogFrequency int                   `json:"stats_log_frequency"`
	ChargePoints      []session.ChargePoint `json:"charge_points"`
}

// Dispatcher returns the dispatcher settings.
func (c SessionConfig) Dispatcher() session.Config {
	return session.Config{SourceIDTemplate: c.SourceIDTemplate, StatsLogFrequency: c.StatsLogFrequency}
}

func (c *SessionConfig) SetDefaults() {
	if c.SourceIDTemplate == "" {
		c.SourceIDTemplate = session.DefaultSourceIDTemplate
	}
}

func (c SessionConfig) Validate() error {
	if c.StatsLogFrequency < 0 {
		return fmt.Errorf("stats_log_frequency must not be negative")
	}
	ids := make(map[int64]bool, len(c.ChargePoints))
	identifiers := make(map[string]bool, len(c.ChargePoints))
	for i, cp := range c.ChargePoints {
		if cp.ID <= 0 || cp.NodeID <= 0 || cp.Identifier == "" {
			return fmt.Errorf("charge_points[%d]: id, node_id and identifier are required", i)
		}
		if ids[cp.ID] || identifiers[cp.Identifier] {
			return fmt.Errorf("charge_points[%d]: duplicate charge point %d/%s", i, cp.ID, cp.Identifier)
		}
		ids[cp.ID] = true
		identifiers[cp.Identifier] = true
	}
	return nil
}
