package metrics

import (
	"context"
	"time"

	"github.com/kilianp07/fieldcmd/core/events"
	"github.com/kilianp07/fieldcmd/core/logger"
	"github.com/kilianp07/fieldcmd/internal/eventbus"
)

var timeSince = time.Since

// StartEventCollector subscribes to the bus and records every state change.
// It returns a channel closed once the collector has stopped, which happens
// when ctx is canceled or the bus is closed.
func StartEventCollector(ctx context.Context, bus *eventbus.TypedBus[events.StateChange], sink TransitionSink, log logger.Logger) <-chan struct{} {
	done := make(chan struct{})
	if bus == nil || sink == nil {
		close(done)
		return done
	}
	sub := bus.Subscribe()
	go func() {
		defer close(done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := sink.RecordTransition(ev); err != nil && log != nil {
					log.Warnf("record transition of instruction %d: %v", ev.InstructionID, err)
				}
			}
		}
	}()
	return done
}
