package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryChargePoints is an in-process ChargePointStore.
type MemoryChargePoints struct {
	mu      sync.RWMutex
	byID    map[int64]ChargePoint
	byIdent map[string]int64
}

// NewMemoryChargePoints creates a store holding cps.
func NewMemoryChargePoints(cps ...ChargePoint) *MemoryChargePoints {
	m := &MemoryChargePoints{byID: map[int64]ChargePoint{}, byIdent: map[string]int64{}}
	for _, cp := range cps {
		m.Put(cp)
	}
	return m
}

// Put adds or replaces a charge point.
func (m *MemoryChargePoints) Put(cp ChargePoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[cp.ID]; ok {
		delete(m.byIdent, old.Identifier)
	}
	m.byID[cp.ID] = cp
	m.byIdent[cp.Identifier] = cp.ID
}

func (m *MemoryChargePoints) ChargePointByID(_ context.Context, id int64) (ChargePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.byID[id]
	if !ok {
		return ChargePoint{}, ErrChargePointNotFound
	}
	return cp, nil
}

func (m *MemoryChargePoints) ChargePointByIdentifier(_ context.Context, identifier string) (ChargePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byIdent[identifier]
	if !ok {
		return ChargePoint{}, ErrChargePointNotFound
	}
	return m.byID[id], nil
}

type connectorKey struct {
	chargePointID int64
	connectorID   int
}

// MemoryStatuses is an in-process StatusStore.
type MemoryStatuses struct {
	mu       sync.RWMutex
	statuses map[connectorKey]ConnectorStatus
}

func NewMemoryStatuses() *MemoryStatuses {
	return &MemoryStatuses{statuses: map[connectorKey]ConnectorStatus{}}
}

func (m *MemoryStatuses) SaveConnectorStatus(_ context.Context, s ConnectorStatus) error {
	m.mu.Lock()
	m.statuses[connectorKey{s.ChargePointID, s.ConnectorID}] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStatuses) ConnectorIDs(_ context.Context, chargePointID int64) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int
	for k := range m.statuses {
		if k.chargePointID == chargePointID {
			ids = append(ids, k.connectorID)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// Status returns the saved status of one connector.
func (m *MemoryStatuses) Status(chargePointID int64, connectorID int) (ConnectorStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[connectorKey{chargePointID, connectorID}]
	return s, ok
}
