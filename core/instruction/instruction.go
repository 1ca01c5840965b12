package instruction

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no instruction exists for an id.
	ErrNotFound = errors.New("instruction not found")
	// ErrExpired is returned when queuing an instruction whose expiration
	// date has already passed.
	ErrExpired = errors.New("instruction already expired")
)

// ExpiredMessage is the result message of instructions declined by expiry.
const ExpiredMessage = "Expired"

// Parameter is a single name/value pair attached to an instruction.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Parameters is the ordered parameter list of an instruction.
type Parameters []Parameter

// Get returns the first value for name.
func (p Parameters) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Map flattens the parameters. Later duplicates win.
func (p Parameters) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Name] = kv.Value
	}
	return m
}

// Instruction is an operator command targeted at one node.
type Instruction struct {
	ID               int64          `json:"id"`
	NodeID           int64          `json:"nodeId"`
	Topic            string         `json:"topic"`
	Created          time.Time      `json:"created"`
	Parameters       Parameters     `json:"parameters,omitempty"`
	State            State          `json:"state"`
	StatusDate       time.Time      `json:"statusDate"`
	ExpirationDate   *time.Time     `json:"expirationDate,omitempty"`
	ResultParameters map[string]any `json:"resultParameters,omitempty"`
}

// Expired reports whether the instruction expiration date is before now.
func (i Instruction) Expired(now time.Time) bool {
	return i.ExpirationDate != nil && i.ExpirationDate.Before(now)
}

// Store persists instructions. CompareAndSwapState is the only way a
// dispatcher may change an instruction state.
type Store interface {
	Get(ctx context.Context, id int64) (Instruction, error)
	Insert(ctx context.Context, instr Instruction) (int64, error)
	// CompareAndSwapState sets next (and result when non-nil) only if the
	// stored state equals expected and the node matches. A false result with
	// a nil error means another actor already moved the instruction.
	CompareAndSwapState(ctx context.Context, id, nodeID int64, expected, next State, result map[string]any) (bool, error)
}

// Maintainer is implemented by stores supporting expiry sweeps and listing.
type Maintainer interface {
	ExpireQueued(ctx context.Context, now time.Time) (int64, error)
	ListByNode(ctx context.Context, nodeID int64, limit int) ([]Instruction, error)
}
