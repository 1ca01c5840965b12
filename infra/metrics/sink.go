// Package metrics records instruction state changes in Prometheus and
// other sinks.
package metrics

import "github.com/kilianp07/fieldcmd/core/events"

// TransitionSink records instruction state changes.
type TransitionSink interface {
	RecordTransition(ev events.StateChange) error
}

// NopSink drops every record.
type NopSink struct{}

func (NopSink) RecordTransition(events.StateChange) error { return nil }
