// Package session delivers instructions to OCPP charge points over their
// live central-system session and turns connector status notifications into
// datum.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/events"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/core/logger"
	"github.com/kilianp07/fieldcmd/core/monitoring"
	"github.com/kilianp07/fieldcmd/core/stats"
	"github.com/kilianp07/fieldcmd/internal/eventbus"
)

const (
	StatusNotificationsReceived stats.Counter = "StatusNotificationsReceived"
	DatumPublished              stats.Counter = "DatumPublished"
	InstructionsSent            stats.Counter = "InstructionsSent"
	InstructionsCompleted       stats.Counter = "InstructionsCompleted"
	InstructionsReverted        stats.Counter = "InstructionsReverted"
)

// Instruction parameters naming the target charge point.
const (
	ParamChargePointID     = "chargePointId"
	ParamChargerIdentifier = "chargerIdentifier"
)

const (
	DefaultSourceIDTemplate = "/ocpp/cp/{chargerIdentifier}/{connectorId}/status"
	callbackTimeout         = 5 * time.Second
)

var errNoTarget = errors.New("instruction names no charge point")

// Config configures the session dispatcher.
type Config struct {
	SourceIDTemplate  string `json:"source_id_template"`
	StatsLogFrequency int    `json:"stats_log_frequency"`
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	ChargePoints ChargePointStore
	Statuses     StatusStore
	Router       Router
	Codec        Codec
	Instructions instruction.Store
	Pool         Scheduler
	Publishers   []datum.Publisher
	Log          logger.Logger
}

// Dispatcher is the OCPP instruction dispatcher.
type Dispatcher struct {
	Deps
	template string
	stats    *stats.Stats
	bus      *eventbus.TypedBus[events.StateChange]
	now      func() time.Time
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.ChargePoints == nil:
		return nil, fmt.Errorf("charge point store is required")
	case deps.Statuses == nil:
		return nil, fmt.Errorf("status store is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("router is required")
	case deps.Codec == nil:
		return nil, fmt.Errorf("codec is required")
	case deps.Instructions == nil:
		return nil, fmt.Errorf("instruction store is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("scheduler is required")
	case deps.Log == nil:
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.StatsLogFrequency < 0 {
		return nil, fmt.Errorf("stats_log_frequency must not be negative")
	}
	d := &Dispatcher{Deps: deps, template: cfg.SourceIDTemplate, now: time.Now}
	if d.template == "" {
		d.template = DefaultSourceIDTemplate
	}
	pubs := d.Publishers[:0:0]
	for _, p := range d.Publishers {
		if p != nil {
			pubs = append(pubs, p)
		}
	}
	d.Publishers = pubs
	d.stats = stats.New("OCPP", cfg.StatsLogFrequency, deps.Log,
		StatusNotificationsReceived, DatumPublished,
		InstructionsSent, InstructionsCompleted, InstructionsReverted)
	return d, nil
}

// SetEventBus publishes every state change applied by the dispatcher on bus.
func (d *Dispatcher) SetEventBus(bus *eventbus.TypedBus[events.StateChange]) { d.bus = bus }

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() *stats.Stats { return d.stats }

// WillQueue leaves instructions untouched: OCPP delivery claims them with
// Queued -> Executing once a session is found.
func (d *Dispatcher) WillQueue(_ context.Context, instr instruction.Instruction) instruction.Instruction {
	return instr
}

// DidQueue sends OCPP instructions in the background.
func (d *Dispatcher) DidQueue(_ context.Context, instr instruction.Instruction) {
	if instr.State != instruction.StateQueued || !d.Codec.Supports(instr.Topic) {
		return
	}
	if !d.Pool.Go(func(ctx context.Context) { d.deliver(ctx, instr) }) {
		d.Log.Debugf("instruction %d left queued: worker pool closed", instr.ID)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, instr instruction.Instruction) {
	if ctx.Err() != nil {
		d.Log.Debugf("instruction %d left queued: shutting down", instr.ID)
		return
	}
	cp, err := d.targetChargePoint(ctx, instr)
	if err != nil {
		d.Log.Debugf("instruction %d left queued: %v", instr.ID, err)
		return
	}
	broker, ok := d.Router.Broker(cp.Identifier)
	if !ok {
		d.Log.Debugf("instruction %d left queued: charge point %s not connected", instr.ID, cp.Identifier)
		return
	}
	req, err := d.Codec.DecodeRequest(instr.Topic, instr.Parameters)
	if err != nil {
		d.Log.Debugf("instruction %d left queued: %v", instr.ID, err)
		return
	}
	if !d.transition(ctx, instr.ID, instr.NodeID, instruction.StateQueued, instruction.StateExecuting, nil) {
		return
	}
	d.stats.Increment(InstructionsSent)

	h := &resultHandler{d: d, instructionID: instr.ID, nodeID: instr.NodeID, identifier: cp.Identifier}
	if err := broker.SendRequest(req, h.handle); err != nil {
		h.handle(nil, err)
	}
}

// targetChargePoint resolves the charge point an instruction addresses.
func (d *Dispatcher) targetChargePoint(ctx context.Context, instr instruction.Instruction) (ChargePoint, error) {
	var (
		cp  ChargePoint
		err error
	)
	if v, ok := instr.Parameters.Get(ParamChargePointID); ok {
		id, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return ChargePoint{}, fmt.Errorf("invalid %s %q", ParamChargePointID, v)
		}
		cp, err = d.ChargePoints.ChargePointByID(ctx, id)
	} else if v, ok := instr.Parameters.Get(ParamChargerIdentifier); ok {
		cp, err = d.ChargePoints.ChargePointByIdentifier(ctx, v)
	} else {
		return ChargePoint{}, errNoTarget
	}
	if err != nil {
		return ChargePoint{}, err
	}
	if cp.NodeID != instr.NodeID {
		return ChargePoint{}, fmt.Errorf("charge point %s does not belong to node %d", cp.Identifier, instr.NodeID)
	}
	return cp, nil
}

// resultHandler completes or reverts one sent instruction. Only the first
// callback is applied.
type resultHandler struct {
	d             *Dispatcher
	instructionID int64
	nodeID        int64
	identifier    string
	once          sync.Once
}

func (h *resultHandler) handle(resp ocpp.Response, err error) {
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		h.apply(ctx, resp, err)
	})
}

func (h *resultHandler) apply(ctx context.Context, resp ocpp.Response, err error) {
	d := h.d
	if err != nil {
		d.Log.Debugf("instruction %d to %s failed: %v", h.instructionID, h.identifier, err)
		if d.transition(ctx, h.instructionID, h.nodeID, instruction.StateExecuting, instruction.StateQueued, nil) {
			d.stats.Increment(InstructionsReverted)
		}
		return
	}
	result, encErr := d.Codec.EncodeResponse(resp)
	if encErr != nil {
		d.Log.Warnf("instruction %d result not recorded: %v", h.instructionID, encErr)
		result = nil
	}
	if d.transition(ctx, h.instructionID, h.nodeID, instruction.StateExecuting, instruction.StateCompleted, result) {
		d.stats.Increment(InstructionsCompleted)
	}
}

func (d *Dispatcher) transition(ctx context.Context, id, nodeID int64, from, to instruction.State, result map[string]any) bool {
	ok, err := d.Instructions.CompareAndSwapState(ctx, id, nodeID, from, to, result)
	if err != nil {
		d.Log.Errorf("update instruction %d %s -> %s: %v", id, from, to, err)
		monitoring.CaptureException(err, monitoring.InstructionTags("session", id, nodeID))
		return false
	}
	if !ok {
		d.Log.Debugf("instruction %d not in %s, %s ignored", id, from, to)
		return false
	}
	if d.bus != nil {
		d.bus.Publish(events.StateChange{
			InstructionID: id,
			NodeID:        nodeID,
			Channel:       events.ChannelOCPP,
			From:          from,
			To:            to,
			Time:          d.now(),
		})
	}
	return true
}
