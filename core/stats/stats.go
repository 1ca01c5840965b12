// Package stats provides fixed sets of atomic event counters shared by the
// instruction dispatchers. Counters are periodically logged and exported to
// Prometheus as a single counter family labelled by counter name.
package stats

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/fieldcmd/core/logger"
)

// Counter names one event counter.
type Counter string

// Stats holds a fixed set of counters. The set is built once, so lookups
// need no lock and increments are plain atomic adds.
type Stats struct {
	name         string
	logFrequency int64
	order        []Counter
	counters     map[Counter]*atomic.Int64
	log          logger.Logger
	desc         *prometheus.Desc
}

// New creates counters for name. A positive logFrequency logs all counter
// values at INFO every logFrequency increments of any single counter.
func New(name string, logFrequency int, log logger.Logger, counters ...Counter) *Stats {
	s := &Stats{
		name:         name,
		logFrequency: int64(logFrequency),
		counters:     make(map[Counter]*atomic.Int64, len(counters)),
		log:          log,
	}
	for _, c := range counters {
		if _, dup := s.counters[c]; dup {
			continue
		}
		s.order = append(s.order, c)
		s.counters[c] = new(atomic.Int64)
	}
	s.desc = prometheus.NewDesc(
		"fieldcmd_"+metricName(name)+"_events_total",
		fmt.Sprintf("Event counts for %s.", name),
		[]string{"counter"}, nil,
	)
	return s
}

// Increment adds one to c.
func (s *Stats) Increment(c Counter) { s.Add(c, 1) }

// Add adds n to c. Counters outside the configured set are ignored.
func (s *Stats) Add(c Counter, n int64) {
	v, ok := s.counters[c]
	if !ok || n <= 0 {
		return
	}
	total := v.Add(n)
	if s.logFrequency > 0 && s.log != nil && (total-n)/s.logFrequency != total/s.logFrequency {
		s.log.Infof("%s", s.String())
	}
}

// Get returns the current value of c.
func (s *Stats) Get(c Counter) int64 {
	if v, ok := s.counters[c]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot returns a copy of all counter values.
func (s *Stats) Snapshot() map[Counter]int64 {
	out := make(map[Counter]int64, len(s.order))
	for _, c := range s.order {
		out[c] = s.counters[c].Load()
	}
	return out
}

func (s *Stats) String() string {
	var b strings.Builder
	b.WriteString(s.name)
	b.WriteString(" stats:")
	for _, c := range s.order {
		fmt.Fprintf(&b, " %s=%d", c, s.counters[c].Load())
	}
	return b.String()
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) { ch <- s.desc }

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for _, c := range s.order {
		ch <- prometheus.MustNewConstMetric(s.desc, prometheus.CounterValue, float64(s.counters[c].Load()), string(c))
	}
}

func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}
