package metrics

import (
	"errors"

	"github.com/kilianp07/fieldcmd/core/events"
)

// MultiSink fans records out to several sinks.
type MultiSink struct {
	Sinks []TransitionSink
}

// NewMultiSink creates a MultiSink, skipping nil sinks.
func NewMultiSink(sinks ...TransitionSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.Sinks = append(m.Sinks, s)
		}
	}
	return m
}

// RecordTransition forwards ev to every sink and joins their errors.
func (m *MultiSink) RecordTransition(ev events.StateChange) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := s.RecordTransition(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
