// Package influx writes datum to InfluxDB 2.x.
package influx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/events"
	"github.com/kilianp07/fieldcmd/core/mqtt"
	"github.com/kilianp07/fieldcmd/infra/logger"
)

const (
	DefaultMeasurement    = "datum"
	TransitionMeasurement = "instruction_transition"
	writeTimeout       = 5 * time.Second
)

// Config locates the InfluxDB bucket. An empty URL disables the writer.
type Config struct {
	URL         string `json:"url"`
	Token       string `json:"token"`
	Org         string `json:"org"`
	Bucket      string `json:"bucket"`
	Measurement string `json:"measurement"`
}

// Enabled reports whether a URL is configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Validate checks the configuration of an enabled writer.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Org == "" || c.Bucket == "" {
		return fmt.Errorf("influx org and bucket are required")
	}
	return nil
}

// DatumWriter stores every datum as one point. Datum properties become
// fields; kind, object id and source id become tags.
type DatumWriter struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	log         logger.Logger
}

// NewDatumWriter creates a writer for the configured bucket.
func NewDatumWriter(cfg Config) *DatumWriter {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: writeTimeout}))
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &DatumWriter{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurement,
		log:         logger.New("influx-datum"),
	}
}

// NewDatumWriterWithFallback pings InfluxDB and returns a NopPublisher if
// the health check fails.
func NewDatumWriterWithFallback(ctx context.Context, cfg Config) datum.Publisher {
	w := NewDatumWriter(cfg)
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	health, err := w.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			w.log.Errorf("influx health check error: %v", err)
		} else {
			w.log.Errorf("influx health status: %s", health.Status)
		}
		w.client.Close()
		return datum.NopPublisher{}
	}
	return w
}

// PublishDatum writes d. Datum without properties are skipped.
func (w *DatumWriter) PublishDatum(ctx context.Context, d datum.Datum) error {
	p := point(w.measurement, d)
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.writeAPI.WritePoint(ctx, p); err != nil {
		return transient(fmt.Errorf("write datum %s: %w", d.SourceID, err))
	}
	return nil
}

// RecordTransition writes one instruction state change.
func (w *DatumWriter) RecordTransition(ev events.StateChange) error {
	p := write.NewPointWithMeasurement(TransitionMeasurement).
		AddTag("channel", string(ev.Channel)).
		AddTag("from", string(ev.From)).
		AddTag("to", string(ev.To)).
		AddTag("node_id", strconv.FormatInt(ev.NodeID, 10)).
		AddField("instruction_id", ev.InstructionID).
		SetTime(ev.Time)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := w.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write transition %d: %w", ev.InstructionID, err)
	}
	return nil
}

// transient marks writes that failed because InfluxDB could not be reached
// or asked the client to back off.
func transient(err error) error {
	var he *ihttp.Error
	if errors.As(err, &he) && (he.StatusCode == http.StatusServiceUnavailable || he.StatusCode == http.StatusTooManyRequests) {
		return mqtt.Transient(err)
	}
	return mqtt.TransientOnNetwork(err)
}

// Close releases the HTTP client.
func (w *DatumWriter) Close() { w.client.Close() }

func point(measurement string, d datum.Datum) *write.Point {
	fields := make(map[string]any)
	for _, props := range []map[string]any{d.Samples.Status, d.Samples.Accumulating, d.Samples.Instantaneous} {
		for k, v := range props {
			fields[k] = fieldValue(v)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	p := write.NewPointWithMeasurement(measurement).
		AddTag("kind", string(d.Kind)).
		AddTag("object_id", strconv.FormatInt(d.ObjectID, 10)).
		AddTag("source_id", d.SourceID)
	if len(d.Samples.Tags) > 0 {
		p = p.AddTag("tags", strings.Join(d.Samples.Tags, ","))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p = p.AddField(k, fields[k])
	}
	return p.SetTime(d.Created)
}

// fieldValue keeps scalar values and renders anything else as a string.
func fieldValue(v any) any {
	switch x := v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, bool, string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
