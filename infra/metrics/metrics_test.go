package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fieldcmd/core/events"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/core/stats"
	"github.com/kilianp07/fieldcmd/infra/logger"
	"github.com/kilianp07/fieldcmd/internal/eventbus"
)

func change(from, to instruction.State) events.StateChange {
	return events.StateChange{InstructionID: 1, NodeID: 2, Channel: events.ChannelMQTT, From: from, To: to, Time: time.Now()}
}

func TestPromSink_RecordTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, sink.RecordTransition(change(instruction.StateQueued, instruction.StateQueuing)))
	require.NoError(t, sink.RecordTransition(change(instruction.StateQueuing, instruction.StateExecuting)))
	require.NoError(t, sink.RecordTransition(change(instruction.StateExecuting, instruction.StateCompleted)))

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("mqtt", "Queued", "Queuing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.terminal.WithLabelValues("mqtt", "Completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.terminal.WithLabelValues("mqtt", "Declined")))

	n, err := testutil.GatherAndCount(reg, "instruction_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPromSink_AlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	second, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)

	require.NoError(t, second.RecordTransition(change(instruction.StateQueued, instruction.StateDeclined)))
	assert.Equal(t, 1.0, testutil.ToFloat64(first.terminal.WithLabelValues("mqtt", "Declined")))
}

func TestRegisterCollectors_Stats(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := stats.New("OCPP", 0, nil, "InstructionsSent")
	s.Increment("InstructionsSent")
	require.NoError(t, RegisterCollectors(reg, s, nil))
	require.NoError(t, RegisterCollectors(reg, s))

	n, err := testutil.GatherAndCount(reg, "fieldcmd_ocpp_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type recordingSink struct {
	mu  sync.Mutex
	got []events.StateChange
	err error
}

func (r *recordingSink) RecordTransition(ev events.StateChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestMultiSink_AttemptsAll(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSink{err: boom}
	b := &recordingSink{}
	m := NewMultiSink(a, nil, b)
	require.Len(t, m.Sinks, 2)

	err := m.RecordTransition(change(instruction.StateQueued, instruction.StateQueuing))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestStartEventCollector(t *testing.T) {
	bus := eventbus.NewTyped[events.StateChange]()
	sink := &recordingSink{err: errors.New("ignored")}
	ctx, cancel := context.WithCancel(context.Background())
	done := StartEventCollector(ctx, bus, sink, logger.NopLogger{})

	require.Eventually(t, func() bool {
		return bus.Publish(change(instruction.StateQueued, instruction.StateExecuting)) == 1
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() >= 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestStartEventCollector_BusClosed(t *testing.T) {
	bus := eventbus.NewTyped[events.StateChange]()
	done := StartEventCollector(context.Background(), bus, NopSink{}, nil)
	bus.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	nilDone := StartEventCollector(context.Background(), nil, NopSink{}, nil)
	_, open := <-nilDone
	assert.False(t, open)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(reg)
	require.NoError(t, err)
	require.NoError(t, sink.RecordTransition(change(instruction.StateQueued, instruction.StateQueuing)))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `instruction_transitions_total{channel="mqtt",from="Queued",to="Queuing"} 1`))
}
