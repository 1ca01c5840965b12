// Package app composes the instruction delivery service from its
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/fieldcmd/api"
	"github.com/kilianp07/fieldcmd/app/plugins"
	"github.com/kilianp07/fieldcmd/config"
	"github.com/kilianp07/fieldcmd/core/action"
	"github.com/kilianp07/fieldcmd/core/channel"
	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/events"
	"github.com/kilianp07/fieldcmd/core/instruction"
	coremon "github.com/kilianp07/fieldcmd/core/monitoring"
	coremqtt "github.com/kilianp07/fieldcmd/core/mqtt"
	"github.com/kilianp07/fieldcmd/core/session"
	"github.com/kilianp07/fieldcmd/infra/logger"
	"github.com/kilianp07/fieldcmd/infra/metrics"
	"github.com/kilianp07/fieldcmd/infra/monitoring"
	"github.com/kilianp07/fieldcmd/infra/mqtt"
	"github.com/kilianp07/fieldcmd/infra/ocpp"
	"github.com/kilianp07/fieldcmd/infra/sqlstore"
	"github.com/kilianp07/fieldcmd/internal/eventbus"
	"github.com/kilianp07/fieldcmd/internal/workerpool"
)

const shutdownTimeout = 10 * time.Second

// MQTTClient is the transport used by the message channel.
type MQTTClient interface {
	coremqtt.Client
	Disconnect()
}

var newMQTTClient = func(cfg mqtt.Config, log logger.Logger) (MQTTClient, error) {
	return mqtt.NewPahoClient(cfg, log)
}

// Service owns every long-lived component.
type Service struct {
	cfg      config.Config
	log      logger.Logger
	store    *sqlstore.Store
	pool     *workerpool.Pool
	bus      *eventbus.TypedBus[events.StateChange]
	client   MQTTClient
	sinks    []datum.Publisher
	channel  *channel.Dispatcher
	session  *session.Dispatcher
	server   *ocpp.Server
	queue    *instruction.Queue
	registry *prometheus.Registry
	prom     *metrics.PromSink

	serving atomic.Bool
	closed  atomic.Bool
}

// New builds the service. Nothing listens until Run is called, but the
// store is opened and the MQTT client connected so that instructions can
// be queued right away.
func New(ctx context.Context, cfg *config.Config) (svc *Service, err error) {
	log := logger.New("service")
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	s := &Service{
		cfg:      *cfg,
		log:      log,
		bus:      eventbus.NewTypedBuffered[events.StateChange](64),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.store, err = sqlstore.Open(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	for _, cp := range cfg.Session.ChargePoints {
		if err := s.store.UpsertChargePoint(ctx, cp); err != nil {
			return nil, fmt.Errorf("seed charge point %s: %w", cp.Identifier, err)
		}
	}
	s.pool = workerpool.New(cfg.Workers.PoolSize, logger.New("workerpool"))

	for _, mc := range cfg.Datum.Sinks {
		pub, err := plugins.DatumSinks.Create(mc)
		if err != nil {
			return nil, fmt.Errorf("datum sink %s: %w", mc.Type, err)
		}
		s.sinks = append(s.sinks, pub)
	}

	if s.client, err = newMQTTClient(cfg.MQTT, logger.New("mqtt")); err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}

	codec := action.NewCodec()
	chCfg := cfg.Channel
	chCfg.ExcludedTopics = append(append([]string(nil), chCfg.ExcludedTopics...), codec.Topics()...)
	s.channel, err = channel.New(chCfg, s.client, s.store, datum.NewMultiPublisher(s.sinks...), s.pool, logger.New("channel"))
	if err != nil {
		return nil, err
	}
	s.channel.SetEventBus(s.bus)

	if s.server, err = ocpp.NewServer(cfg.OCPP, s.store, nil, logger.New("ocpp")); err != nil {
		return nil, fmt.Errorf("ocpp server: %w", err)
	}
	s.session, err = session.New(cfg.Session.Dispatcher(), session.Deps{
		ChargePoints: s.store,
		Statuses:     s.store,
		Router:       s.server,
		Codec:        codec,
		Instructions: s.store,
		Pool:         s.pool,
		Publishers:   s.sinks,
		Log:          logger.New("session"),
	})
	if err != nil {
		return nil, err
	}
	s.session.SetEventBus(s.bus)
	s.server.SetStatusHandler(s.session)

	if s.queue, err = instruction.NewQueue(s.store, log, s.channel, s.session); err != nil {
		return nil, err
	}

	if s.prom, err = metrics.NewPromSinkWithRegistry(s.registry); err != nil {
		return nil, fmt.Errorf("prom sink: %w", err)
	}
	if err := metrics.RegisterCollectors(s.registry, s.channel.Stats(), s.session.Stats()); err != nil {
		return nil, fmt.Errorf("register stats: %w", err)
	}
	return s, nil
}

// Enqueue creates an instruction and hands it to the dispatchers.
func (s *Service) Enqueue(ctx context.Context, in instruction.Input) (instruction.Instruction, error) {
	return s.queue.Enqueue(ctx, in)
}

// Instruction returns the stored state of an instruction.
func (s *Service) Instruction(ctx context.Context, id int64) (instruction.Instruction, error) {
	return s.store.Get(ctx, id)
}

// Instructions lists the latest instructions of a node.
func (s *Service) Instructions(ctx context.Context, nodeID int64, limit int) ([]instruction.Instruction, error) {
	return s.store.ListByNode(ctx, nodeID, limit)
}

// Drain stops accepting deliveries and waits for the scheduled ones.
func (s *Service) Drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.pool.Close(ctx)
}

// Gatherer exposes the service metrics registry.
func (s *Service) Gatherer() prometheus.Gatherer { return s.registry }

// Run subscribes to inbound datum, accepts OCPP connections and serves
// the API and metrics until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer coremon.Recover()
	if err := s.channel.Start(); err != nil {
		return err
	}
	metrics.StartEventCollector(ctx, s.bus, s.transitionSink(), s.log)

	s.serving.Store(true)
	go func() {
		defer coremon.Recover()
		s.server.Run()
	}()
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusAddr, s.registry, s.log); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	if s.cfg.API.Addr != "" {
		srv := api.New(s.cfg.API, s, logger.New("api"))
		srv.SetSessions(s.server)
		for _, pub := range s.sinks {
			if l, ok := pub.(api.LatestDatum); ok {
				srv.SetLatestDatum(l)
				break
			}
		}
		go func() {
			if err := srv.Start(ctx); err != nil {
				s.log.Errorf("%v", err)
			}
		}()
	}
	if s.cfg.Expiry.Interval > 0 {
		go s.sweepExpired(ctx, s.cfg.Expiry.Interval)
	}
	s.log.Infof("service started")
	<-ctx.Done()
	return nil
}

// transitionSink records state changes in Prometheus and in every datum
// sink that can also store them.
func (s *Service) transitionSink() metrics.TransitionSink {
	sinks := []metrics.TransitionSink{s.prom}
	for _, pub := range s.sinks {
		if ts, ok := pub.(metrics.TransitionSink); ok {
			sinks = append(sinks, ts)
		}
	}
	return metrics.NewMultiSink(sinks...)
}

func (s *Service) sweepExpired(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.expire(ctx, now)
		}
	}
}

func (s *Service) expire(ctx context.Context, now time.Time) {
	n, err := s.store.ExpireQueued(ctx, now)
	if err != nil {
		s.log.Errorf("expire instructions: %v", err)
		coremon.CaptureException(err, map[string]string{"module": "expiry"})
		return
	}
	if n > 0 {
		s.log.Infof("declined %d expired instructions", n)
	}
}

// Close stops the listeners, waits for in-flight deliveries and releases
// every resource. It is safe to call more than once.
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if s.server != nil && s.serving.Load() {
		s.server.Stop()
	}
	if s.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
		cancel()
	}
	if s.client != nil {
		s.client.Disconnect()
	}
	s.bus.Close()
	for _, pub := range s.sinks {
		switch c := pub.(type) {
		case io.Closer:
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		case interface{ Close() }:
			c.Close()
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}
