package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Guizzs26/go-sync-hub/internal/common"
)

type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

func NewMemory() *MemoryLocker {
	return &MemoryLocker{leases: map[string]Lease{}, now: time.Now}
}

func (m *MemoryLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[name]; ok && cur.ExpiresAt.After(now) {
		return nil, &HeldError{Name: name, Holder: cur.Holder}
	}
	l := Lease{Name: name, Holder: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	m.leases[name] = l
	return &l, nil
}

func (m *MemoryLocker) Release(ctx context.Context, l *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[l.Name]
	if !ok || cur.Holder != l.Holder {
		return common.ErrLeaseNotHeld
	}
	delete(m.leases, l.Name)
	return nil
}

func (m *MemoryLocker) Renew(ctx context.Context, l *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[l.Name]
	if !ok || cur.Holder != l.Holder {
		return common.ErrLeaseNotHeld
	}
	cur.ExpiresAt = m.now().Add(ttl)
	m.leases[l.Name] = cur
	l.ExpiresAt = cur.ExpiresAt
	return nil
}

func (m *MemoryLocker) Holder(ctx context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[name]
	if !ok || !cur.ExpiresAt.After(m.now()) {
		return "", false, nil
	}
	return cur.Holder, true, nil
}

func (m *MemoryLocker) PurgeExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now()
	for name, l := range m.leases {
		if !l.ExpiresAt.After(now) {
			delete(m.leases, name)
			n++
		}
	}
	return n, nil
}
