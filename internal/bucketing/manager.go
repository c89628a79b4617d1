package bucketing

import (
	"hash"
	"sync"

	"authcore/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns audit events to stable partitions so the ClickHouse table
// and its downstream consumers shard evenly without coordinating.
type Manager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		eventBuckets: cfg.Bucketing.EventBuckets,
	}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// EventBucket returns a consistent bucket in [0, eventBuckets) for the
// identifier (phone hash or user id).
func (m *Manager) EventBucket(identifier string) int {
	return int(m.hash(identifier) % uint64(m.eventBuckets))
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
