package saga

import (
	"context"
	"sort"
	"sync"
)

type pairKey struct {
	instance string
	typ      string
}

// memoryStore 进程内台账，仅适用于单实例和测试
type memoryStore struct {
	mu      sync.RWMutex
	records map[pairKey]Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[pairKey]Record)}
}

func (m *memoryStore) upsert(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.records[pairKey{rec.WorkflowInstanceID, rec.CompensationType}] = *rec
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) exists(ctx context.Context, workflowInstanceID, compensationType string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.records[pairKey{workflowInstanceID, compensationType}]
	m.mu.RUnlock()
	return ok, nil
}

func (m *memoryStore) list(ctx context.Context, match func(Record) bool) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*Record, 0)
	for _, r := range m.records {
		if match(r) {
			rec := r
			out = append(out, &rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].WorkflowInstanceID != out[j].WorkflowInstanceID {
			return out[i].WorkflowInstanceID < out[j].WorkflowInstanceID
		}
		return out[i].CompensationType < out[j].CompensationType
	})
	return out, nil
}

func (m *memoryStore) listByInstance(ctx context.Context, workflowInstanceID string) ([]*Record, error) {
	return m.list(ctx, func(r Record) bool { return r.WorkflowInstanceID == workflowInstanceID })
}

func (m *memoryStore) listByType(ctx context.Context, compensationType string) ([]*Record, error) {
	return m.list(ctx, func(r Record) bool { return r.CompensationType == compensationType })
}

func (m *memoryStore) deleteInstance(ctx context.Context, workflowInstanceID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k := range m.records {
		if k.instance == workflowInstanceID {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) statistics(ctx context.Context) (*Statistics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Statistics{ByType: make(map[string]int64)}
	for _, r := range m.records {
		stats.Total++
		stats.ByType[r.CompensationType]++
		if r.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	return stats, nil
}
