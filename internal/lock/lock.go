// internal/lock/lock.go
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lease is a held named lock. Release is idempotent and releases only if
// the lease is still the current holder.
type Lease interface {
	Release(ctx context.Context) error
}

// Manager hands out named mutual-exclusion leases with a TTL. Acquire
// returns (nil, nil) when the lock is held elsewhere: callers peek-and-skip
// rather than block.
type Manager interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// memoryEntry is one held in-memory lock.
type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryManager is a correct single-process Manager. Expired entries are
// reclaimed lazily on the next Acquire of the same name.
type MemoryManager struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

// NewMemoryManager returns an empty in-memory lock table.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		held:  make(map[string]memoryEntry),
		clock: time.Now,
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if entry, ok := m.held[name]; ok && entry.expires.After(now) {
		return nil, nil
	}
	token := uuid.NewString()
	m.held[name] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{mgr: m, name: name, token: token}, nil
}

type memoryLease struct {
	mgr   *MemoryManager
	name  string
	token string
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	if entry, ok := l.mgr.held[l.name]; ok && entry.token == l.token {
		delete(l.mgr.held, l.name)
	}
	return nil
}
