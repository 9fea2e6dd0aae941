package dlock

import (
	"context"
	"sync"
	"time"
)

type memoryBackend struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{leases: make(map[string]Lease)}
}

func (m *memoryBackend) tryAcquire(ctx context.Context, name, holder string, d time.Duration, now time.Time) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[name]; ok && cur.HeldAt(now) {
		return nil, nil
	}
	lease := Lease{Name: name, LockedBy: holder, LockedAt: now, LockedUntil: now.Add(d)}
	m.leases[name] = lease
	return &lease, nil
}

func (m *memoryBackend) release(ctx context.Context, name, holder string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok || cur.LockedBy != holder || !cur.HeldAt(now) {
		return false, nil
	}
	delete(m.leases, name)
	return true, nil
}

func (m *memoryBackend) get(ctx context.Context, name string, now time.Time) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok || !cur.HeldAt(now) {
		return nil, ErrLeaseNotFound
	}
	return &cur, nil
}

func (m *memoryBackend) close() error { return nil }
