// Package channel delivers instructions to nodes over the MQTT message
// channel and applies the status updates and datum nodes publish back.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/events"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/core/logger"
	"github.com/kilianp07/fieldcmd/core/monitoring"
	"github.com/kilianp07/fieldcmd/core/mqtt"
	"github.com/kilianp07/fieldcmd/core/stats"
	"github.com/kilianp07/fieldcmd/internal/eventbus"
	"github.com/kilianp07/fieldcmd/internal/tmpl"
)

const (
	MessagesReceived          stats.Counter = "MessagesReceived"
	NodeDatumReceived         stats.Counter = "NodeDatumReceived"
	LocationDatumReceived     stats.Counter = "LocationDatumReceived"
	InstructionStatusReceived stats.Counter = "InstructionStatusReceived"
	InstructionsPublished     stats.Counter = "InstructionsPublished"
	InstructionPublishFailed  stats.Counter = "InstructionPublishFailed"
)

const revertTimeout = 5 * time.Second

var errPoolRejected = errors.New("worker pool rejected delivery task")

// Scheduler runs tasks off the caller goroutine.
type Scheduler interface {
	Go(task func(ctx context.Context)) bool
}

// Dispatcher is the message channel instruction dispatcher. It is a
// instruction.QueueHook for outbound delivery and an mqtt.MessageHandler for
// inbound node traffic.
type Dispatcher struct {
	cfg      Config
	client   mqtt.Client
	store    instruction.Store
	datum    datum.Publisher
	pool     Scheduler
	log      logger.Logger
	stats    *stats.Stats
	bus      *eventbus.TypedBus[events.StateChange]
	excluded map[string]struct{}
	now      func() time.Time
}

// New creates a Dispatcher. pub may be nil when datum is not forwarded.
func New(cfg Config, client mqtt.Client, store instruction.Store, pub datum.Publisher, pool Scheduler, log logger.Logger) (*Dispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("instruction store is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		pub = datum.NopPublisher{}
	}
	d := &Dispatcher{
		cfg:      cfg,
		client:   client,
		store:    store,
		datum:    pub,
		pool:     pool,
		log:      log,
		excluded: make(map[string]struct{}, len(cfg.ExcludedTopics)),
		now:      time.Now,
	}
	for _, t := range cfg.ExcludedTopics {
		d.excluded[t] = struct{}{}
	}
	d.stats = stats.New("MQTT", cfg.StatsLogFrequency, log,
		MessagesReceived, NodeDatumReceived, LocationDatumReceived,
		InstructionStatusReceived, InstructionsPublished, InstructionPublishFailed)
	return d, nil
}

// SetEventBus publishes every state change applied by the dispatcher on bus.
func (d *Dispatcher) SetEventBus(bus *eventbus.TypedBus[events.StateChange]) { d.bus = bus }

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() *stats.Stats { return d.stats }

// Start subscribes to the node datum topic.
func (d *Dispatcher) Start() error {
	if err := d.client.Subscribe(d.cfg.DatumSubscribeTopic, d.cfg.SubscribeQoS, d.HandleMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", d.cfg.DatumSubscribeTopic, err)
	}
	d.log.Infof("subscribed to %s", d.cfg.DatumSubscribeTopic)
	return nil
}

// WillQueue claims every instruction whose topic is not owned elsewhere.
func (d *Dispatcher) WillQueue(_ context.Context, instr instruction.Instruction) instruction.Instruction {
	if instr.State == instruction.StateQueued && !d.isExcluded(instr.Topic) {
		instr.State = instruction.StateQueuing
	}
	return instr
}

// DidQueue publishes claimed instructions in the background.
func (d *Dispatcher) DidQueue(_ context.Context, instr instruction.Instruction) {
	if instr.State != instruction.StateQueuing || d.isExcluded(instr.Topic) {
		return
	}
	if !d.pool.Go(func(ctx context.Context) { d.deliver(ctx, instr) }) {
		d.revert(context.Background(), instr, errPoolRejected)
	}
}

func (d *Dispatcher) isExcluded(topic string) bool {
	_, ok := d.excluded[topic]
	return ok
}

func (d *Dispatcher) instructionTopic(nodeID int64) string {
	return tmpl.Resolve(d.cfg.InstructionTopicTemplate, map[string]string{
		"nodeId": strconv.FormatInt(nodeID, 10),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, instr instruction.Instruction) {
	if err := ctx.Err(); err != nil {
		d.revert(ctx, instr, err)
		return
	}
	payload, err := encodeInstructions(instr)
	if err != nil {
		d.revert(ctx, instr, err)
		return
	}
	topic := d.instructionTopic(instr.NodeID)
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	if err := d.client.Publish(pubCtx, topic, d.cfg.PublishQoS, payload); err != nil {
		d.revert(ctx, instr, err)
		return
	}
	d.stats.Increment(InstructionsPublished)
	d.log.Debugf("published instruction %d to %s", instr.ID, topic)
}

// revert hands a failed delivery back to the batch poller.
func (d *Dispatcher) revert(ctx context.Context, instr instruction.Instruction, cause error) {
	d.stats.Increment(InstructionPublishFailed)
	d.log.Debugf("instruction %d delivery to node %d failed: %v", instr.ID, instr.NodeID, cause)

	// the pool context may already be cancelled on shutdown
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
	defer cancel()
	d.transition(ctx, instr.ID, instr.NodeID, instruction.StateQueuing, instruction.StateQueued, nil)
}

// transition applies a CAS and reports whether it took effect.
func (d *Dispatcher) transition(ctx context.Context, id, nodeID int64, from, to instruction.State, result map[string]any) bool {
	ok, err := d.store.CompareAndSwapState(ctx, id, nodeID, from, to, result)
	if err != nil {
		d.log.Errorf("update instruction %d %s -> %s: %v", id, from, to, err)
		monitoring.CaptureException(err, monitoring.InstructionTags("channel", id, nodeID))
		return false
	}
	if !ok {
		d.log.Debugf("instruction %d not in %s, %s ignored", id, from, to)
		return false
	}
	if d.bus != nil {
		d.bus.Publish(events.StateChange{
			InstructionID: id,
			NodeID:        nodeID,
			Channel:       events.ChannelMQTT,
			From:          from,
			To:            to,
			Time:          d.now(),
		})
	}
	return true
}

type instructionMessage struct {
	ID             int64                  `json:"id"`
	Topic          string                 `json:"topic"`
	Created        time.Time              `json:"created"`
	ExpirationDate *time.Time             `json:"expirationDate,omitempty"`
	Parameters     instruction.Parameters `json:"parameters"`
}

type instructionsEnvelope struct {
	Instructions []instructionMessage `json:"instructions"`
}

func encodeInstructions(instrs ...instruction.Instruction) ([]byte, error) {
	env := instructionsEnvelope{Instructions: make([]instructionMessage, 0, len(instrs))}
	for _, in := range instrs {
		params := in.Parameters
		if params == nil {
			params = instruction.Parameters{}
		}
		env.Instructions = append(env.Instructions, instructionMessage{
			ID:             in.ID,
			Topic:          in.Topic,
			Created:        in.Created,
			ExpirationDate: in.ExpirationDate,
			Parameters:     params,
		})
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode instructions: %w", err)
	}
	return b, nil
}
