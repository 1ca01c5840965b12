package instruction

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps instructions in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[int64]Instruction
	nextID int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[int64]Instruction{}, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instr, ok := s.data[id]
	if !ok {
		return Instruction{}, ErrNotFound
	}
	return clone(instr), nil
}

func (s *MemoryStore) Insert(_ context.Context, instr Instruction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	instr = clone(instr)
	instr.ID = s.nextID
	if instr.StatusDate.IsZero() {
		instr.StatusDate = s.now()
	}
	s.data[instr.ID] = instr
	return instr.ID, nil
}

func (s *MemoryStore) CompareAndSwapState(_ context.Context, id, nodeID int64, expected, next State, result map[string]any) (bool, error) {
	if !CanTransition(expected, next) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	instr, ok := s.data[id]
	if !ok || instr.NodeID != nodeID || instr.State != expected {
		return false, nil
	}
	instr.State = next
	instr.StatusDate = s.now()
	if result != nil {
		instr.ResultParameters = copyResult(result)
	}
	s.data[id] = instr
	return true, nil
}

// ExpireQueued declines every queued instruction whose expiration date is
// before now.
func (s *MemoryStore) ExpireQueued(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, instr := range s.data {
		if instr.State != StateQueued || !instr.Expired(now) {
			continue
		}
		instr.State = StateDeclined
		instr.StatusDate = now
		instr.ResultParameters = map[string]any{"message": ExpiredMessage}
		s.data[id] = instr
		n++
	}
	return n, nil
}

// ListByNode returns the instructions of a node, newest first.
func (s *MemoryStore) ListByNode(_ context.Context, nodeID int64, limit int) ([]Instruction, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Instruction
	for _, instr := range s.data {
		if instr.NodeID == nodeID {
			out = append(out, clone(instr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(instr Instruction) Instruction {
	if instr.Parameters != nil {
		instr.Parameters = append(Parameters(nil), instr.Parameters...)
	}
	if instr.ExpirationDate != nil {
		exp := *instr.ExpirationDate
		instr.ExpirationDate = &exp
	}
	instr.ResultParameters = copyResult(instr.ResultParameters)
	return instr
}

func copyResult(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
