package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/factory"
	"github.com/kilianp07/fieldcmd/infra/influx"
	"github.com/kilianp07/fieldcmd/infra/logger"
	"github.com/kilianp07/fieldcmd/infra/redisfeed"
)

const connectTimeout = 5 * time.Second

func init() {
	RegisterDatumSink("influx", func(conf map[string]any) (datum.Publisher, error) {
		var c influx.Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if !c.Enabled() {
			return nil, fmt.Errorf("influx sink: url is required")
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return influx.NewDatumWriterWithFallback(context.Background(), c), nil
	})
	RegisterDatumSink("redis", func(conf map[string]any) (datum.Publisher, error) {
		var c redisfeed.Config
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if !c.Enabled() {
			return nil, fmt.Errorf("redis sink: addr is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		return redisfeed.New(ctx, c)
	})
	RegisterDatumSink("log", func(conf map[string]any) (datum.Publisher, error) {
		var c struct {
			Component string `json:"component"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		if c.Component == "" {
			c.Component = "datum"
		}
		return LogPublisher{Log: logger.New(c.Component)}, nil
	})
}

// LogPublisher writes every datum to the log at DEBUG.
type LogPublisher struct {
	Log logger.Logger
}

func (p LogPublisher) PublishDatum(_ context.Context, d datum.Datum) error {
	p.Log.Debugw("datum", map[string]any{
		"kind":     d.Kind,
		"objectId": d.ObjectID,
		"sourceId": d.SourceID,
		"samples":  d.Samples,
	})
	return nil
}
