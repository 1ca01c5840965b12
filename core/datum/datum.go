// Package datum defines the telemetry records flowing from devices to the
// ingestion and real-time feed collaborators.
package datum

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no datum is stored for a source.
var ErrNotFound = errors.New("datum not found")

// Kind tells whether a datum belongs to a node or to a location.
type Kind string

const (
	KindNode     Kind = "node"
	KindLocation Kind = "location"
)

// Samples groups datum properties the way devices report them.
type Samples struct {
	Instantaneous map[string]any `json:"i,omitempty"`
	Accumulating  map[string]any `json:"a,omitempty"`
	Status        map[string]any `json:"s,omitempty"`
	Tags          []string       `json:"t,omitempty"`
}

// Empty reports whether no property is set.
func (s Samples) Empty() bool {
	return len(s.Instantaneous) == 0 && len(s.Accumulating) == 0 && len(s.Status) == 0 && len(s.Tags) == 0
}

// Datum is a single telemetry record. ObjectID is a node id for KindNode and
// a location id for KindLocation.
type Datum struct {
	Kind     Kind      `json:"kind"`
	ObjectID int64     `json:"objectId"`
	SourceID string    `json:"sourceId"`
	Created  time.Time `json:"created"`
	Samples  Samples   `json:"samples"`
}

// Publisher sends datum downstream.
type Publisher interface {
	PublishDatum(ctx context.Context, d Datum) error
}

// MultiPublisher fans a datum out to several publishers. Every publisher is
// attempted; failures are joined so callers can still test for wrapped
// error kinds.
type MultiPublisher struct {
	Publishers []Publisher
}

// NewMultiPublisher creates a MultiPublisher, skipping nil entries.
func NewMultiPublisher(pubs ...Publisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range pubs {
		if p != nil {
			m.Publishers = append(m.Publishers, p)
		}
	}
	return m
}

func (m *MultiPublisher) PublishDatum(ctx context.Context, d Datum) error {
	var errs []error
	for _, p := range m.Publishers {
		if err := p.PublishDatum(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopPublisher drops every datum.
type NopPublisher struct{}

func (NopPublisher) PublishDatum(context.Context, Datum) error { return nil }
