package instruction

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/fieldcmd/core/logger"
)

// QueueHook observes instructions as they are queued.
//
// WillQueue runs before the instruction is persisted and may return a
// modified copy (for example an optimistic claim). DidQueue runs after the
// insert with the assigned id and must not block the caller.
type QueueHook interface {
	WillQueue(ctx context.Context, instr Instruction) Instruction
	DidQueue(ctx context.Context, instr Instruction)
}

// Input describes a new instruction.
type Input struct {
	NodeID         int64
	Topic          string
	Parameters     Parameters
	ExpirationDate *time.Time
}

// Queue is the instruction creation path. Hooks run in registration order.
type Queue struct {
	store Store
	hooks []QueueHook
	log   logger.Logger
	now   func() time.Time
}

// NewQueue creates a queue persisting to store.
func NewQueue(store Store, log logger.Logger, hooks ...QueueHook) (*Queue, error) {
	if store == nil || log == nil {
		return nil, fmt.Errorf("instruction: nil parameter provided to NewQueue")
	}
	return &Queue{store: store, hooks: hooks, log: log, now: time.Now}, nil
}

// Enqueue creates the instruction in Queued state, lets every hook claim it,
// persists it and then notifies the hooks.
func (q *Queue) Enqueue(ctx context.Context, in Input) (Instruction, error) {
	if in.Topic == "" {
		return Instruction{}, fmt.Errorf("instruction: topic is required")
	}
	now := q.now()
	instr := Instruction{
		NodeID:         in.NodeID,
		Topic:          in.Topic,
		Created:        now,
		Parameters:     append(Parameters(nil), in.Parameters...),
		State:          StateQueued,
		StatusDate:     now,
		ExpirationDate: in.ExpirationDate,
	}
	if instr.Expired(now) {
		return Instruction{}, ErrExpired
	}
	for _, h := range q.hooks {
		instr = h.WillQueue(ctx, instr)
	}
	id, err := q.store.Insert(ctx, instr)
	if err != nil {
		return Instruction{}, fmt.Errorf("insert instruction: %w", err)
	}
	instr.ID = id
	q.log.Infof("queued instruction %d %s for node %d in state %s", id, instr.Topic, instr.NodeID, instr.State)
	for _, h := range q.hooks {
		h.DidQueue(ctx, instr)
	}
	return instr, nil
}
