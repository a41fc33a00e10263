// Package bucketing assigns stable partition buckets for the account and
// security-event tables.
package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

type Manager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewManager(accountBuckets, eventBuckets int) *Manager {
	if accountBuckets <= 0 {
		accountBuckets = 64
	}
	if eventBuckets <= 0 {
		eventBuckets = 16
	}
	m := &Manager{
		accountBuckets: accountBuckets,
		eventBuckets:   eventBuckets,
	}
	// Pooled hashers avoid per-call allocation on the hot login path.
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// AccountBucket returns the consistent partition bucket for an account id
// (0 to accountBuckets-1).
func (m *Manager) AccountBucket(accountID string) int {
	return int(m.hash(accountID) % uint64(m.accountBuckets))
}

// EventBucket returns the partition bucket used for security events.
func (m *Manager) EventBucket(accountID string) int {
	return int(m.hash(accountID) % uint64(m.eventBuckets))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}
