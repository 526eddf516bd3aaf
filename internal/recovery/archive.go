package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryArchive keeps resolved records in process
type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]FailureRecord
}

// NewMemoryArchive creates an empty archive
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]FailureRecord)}
}

func (m *MemoryArchive) Put(_ context.Context, rec FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.OrderID] = rec.clone()
	return nil
}

func (m *MemoryArchive) Get(_ context.Context, orderID string) (FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[orderID]
	if !ok {
		return FailureRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, orderID)
	}
	return rec.clone(), nil
}

func (m *MemoryArchive) List(_ context.Context) ([]FailureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FailureRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
