package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/fieldcmd/core/events"
)

// PromSink records state changes in Prometheus metrics.
type PromSink struct {
	transitions *prometheus.CounterVec
	terminal    *prometheus.CounterVec
	lag         *prometheus.HistogramVec
}

// NewPromSink registers instruction metrics on the default registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on reg. A nil registerer
// defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instruction_transitions_total",
		Help: "Instruction state changes applied by the dispatchers",
	}, []string{"channel", "from", "to"})
	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instruction_terminal_total",
		Help: "Instructions that reached a terminal state",
	}, []string{"channel", "state"})
	lag := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "instruction_event_lag_seconds",
		Help:    "Time between a state change and its recording",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	var err error
	if transitions, err = register(reg, transitions); err != nil {
		return nil, err
	}
	if terminal, err = register(reg, terminal); err != nil {
		return nil, err
	}
	if lag, err = register(reg, lag); err != nil {
		return nil, err
	}
	return &PromSink{transitions: transitions, terminal: terminal, lag: lag}, nil
}

// RecordTransition counts ev.
func (s *PromSink) RecordTransition(ev events.StateChange) error {
	channel := string(ev.Channel)
	s.transitions.WithLabelValues(channel, string(ev.From), string(ev.To)).Inc()
	if ev.To.Terminal() {
		s.terminal.WithLabelValues(channel, string(ev.To)).Inc()
	}
	if !ev.Time.IsZero() {
		s.lag.WithLabelValues(channel).Observe(timeSince(ev.Time).Seconds())
	}
	return nil
}

// RegisterCollectors registers extra collectors, such as dispatcher stats,
// tolerating ones that are already registered.
func RegisterCollectors(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range cs {
		if c == nil {
			continue
		}
		if _, err := register(reg, c); err != nil {
			return err
		}
	}
	return nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
