// Package redisfeed pushes datum to Redis for real-time consumers: the
// latest datum of every source is kept under a key and each datum is
// published on a per-source channel.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/mqtt"
)

const (
	DefaultKeyPrefix = "fieldcmd"
	DefaultLatestTTL = 24 * time.Hour
)

// Config configures the Redis connection. An empty Addr disables the feed.
type Config struct {
	Addr      string        `json:"addr"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	KeyPrefix string        `json:"key_prefix"`
	LatestTTL time.Duration `json:"latest_ttl"`
}

// Enabled reports whether an address is configured.
func (c Config) Enabled() bool { return c.Addr != "" }

// Feed implements datum.Publisher on Redis.
type Feed struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Feed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newFeed(client, cfg), nil
}

func newFeed(client *redis.Client, cfg Config) *Feed {
	f := &Feed{client: client, prefix: cfg.KeyPrefix, ttl: cfg.LatestTTL}
	if f.prefix == "" {
		f.prefix = DefaultKeyPrefix
	}
	if f.ttl <= 0 {
		f.ttl = DefaultLatestTTL
	}
	return f
}

// PublishDatum stores d as the latest datum of its source and publishes it.
func (f *Feed) PublishDatum(ctx context.Context, d datum.Datum) error {
	payload, err := encode(d)
	if err != nil {
		return err
	}
	pipe := f.client.TxPipeline()
	pipe.Set(ctx, f.LatestKey(d), payload, f.ttl)
	pipe.Publish(ctx, f.Channel(d), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return mqtt.TransientOnNetwork(fmt.Errorf("redis feed %s: %w", d.SourceID, err))
	}
	return nil
}

// Latest returns the last datum stored for a source.
func (f *Feed) Latest(ctx context.Context, kind datum.Kind, objectID int64, sourceID string) (datum.Datum, error) {
	raw, err := f.client.Get(ctx, f.LatestKey(datum.Datum{Kind: kind, ObjectID: objectID, SourceID: sourceID})).Bytes()
	if errors.Is(err, redis.Nil) {
		return datum.Datum{}, fmt.Errorf("%s/%d/%s: %w", kind, objectID, sourceID, datum.ErrNotFound)
	}
	if err != nil {
		return datum.Datum{}, mqtt.TransientOnNetwork(fmt.Errorf("redis latest datum: %w", err))
	}
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return datum.Datum{}, fmt.Errorf("decode latest datum: %w", err)
	}
	return m.datum(), nil
}

// LatestKey is the key holding the latest datum of the source of d.
func (f *Feed) LatestKey(d datum.Datum) string {
	return f.prefix + ":latest:" + string(d.Kind) + ":" + strconv.FormatInt(d.ObjectID, 10) + ":" + d.SourceID
}

// Channel is the pub/sub channel of the source of d.
func (f *Feed) Channel(d datum.Datum) string {
	return f.prefix + ":datum:" + string(d.Kind) + ":" + strconv.FormatInt(d.ObjectID, 10) + ":" + d.SourceID
}

// Close closes the Redis client.
func (f *Feed) Close() error { return f.client.Close() }

type message struct {
	Kind     datum.Kind    `json:"kind"`
	ObjectID int64         `json:"objectId"`
	SourceID string        `json:"sourceId"`
	Created  int64         `json:"created"`
	Samples  datum.Samples `json:"samples"`
}

func (m message) datum() datum.Datum {
	return datum.Datum{
		Kind:     m.Kind,
		ObjectID: m.ObjectID,
		SourceID: m.SourceID,
		Created:  time.UnixMilli(m.Created),
		Samples:  m.Samples,
	}
}

func encode(d datum.Datum) ([]byte, error) {
	b, err := json.Marshal(message{
		Kind:     d.Kind,
		ObjectID: d.ObjectID,
		SourceID: d.SourceID,
		Created:  d.Created.UnixMilli(),
		Samples:  d.Samples,
	})
	if err != nil {
		return nil, fmt.Errorf("encode datum %s: %w", d.SourceID, err)
	}
	return b, nil
}
