package idem

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore 进程内存储，互斥锁保证"不存在则插入"的原子性
type memoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]*Record)}
}

func (ms *memoryStore) Create(ctx context.Context, rec *Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.records[rec.Key]; ok {
		return false, nil
	}
	ms.records[rec.Key] = rec.clone()
	return true, nil
}

func (ms *memoryStore) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (ms *memoryStore) Finish(ctx context.Context, key string, to Status, response []byte, errorMessage string, now time.Time) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[key]
	if !ok || rec.Status != StatusProcessing {
		return nil, nil
	}
	rec.Status = to
	rec.ResponsePayload = cloneBytes(response)
	rec.ErrorMessage = errorMessage
	completed := now
	rec.CompletedAt = &completed
	rec.UpdatedAt = now
	return rec.clone(), nil
}

func (ms *memoryStore) IncrementRetry(ctx context.Context, key string, now time.Time) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[key]
	if !ok || rec.Status != StatusProcessing {
		return nil, nil
	}
	rec.RetryCount++
	rec.UpdatedAt = now
	return rec.clone(), nil
}

func (ms *memoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var n int64
	for key, rec := range ms.records {
		if rec.ExpiresAt.Before(now) {
			delete(ms.records, key)
			n++
		}
	}
	return n, nil
}

func (ms *memoryStore) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	var out []*Record
	for _, rec := range ms.records {
		if rec.Status == StatusProcessing && rec.CreatedAt.Before(cutoff) {
			out = append(out, rec.clone())
		}
	}
	ms.mu.Unlock()

	sortByCreated(out)
	return out, nil
}

func sortByCreated(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
}
