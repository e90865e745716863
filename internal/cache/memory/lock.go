package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var _ domain.LockManager = (*LockManager)(nil)

// LockManager is a TTL lock table for single-process deployments.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]time.Time
	token map[string]uint64
	next  uint64
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), token: make(map[string]uint64)}
}

func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.held[key]; ok && time.Now().Before(exp) {
		return nil, domain.ErrLockHeld
	}
	m.next++
	tok := m.next
	m.held[key] = time.Now().Add(ttl)
	m.token[key] = tok

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.token[key] == tok {
				delete(m.held, key)
				delete(m.token, key)
			}
		})
	}, nil
}
