package relay

import (
	"context"
	"sync"
	"time"

	"busrelay/internal/model"
)

// LocationCache keeps the newest position per tracked entity so new
// subscribers see where a bus is without waiting for its next report.
type LocationCache interface {
	Put(ctx context.Context, u model.LocationUpdate) error
	Get(ctx context.Context, entity model.ID) (model.LocationUpdate, bool, error)
	Close() error
}

// MemoryLocationCache stores latest positions in process.
type MemoryLocationCache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[model.ID]model.LocationUpdate
}

// NewMemoryLocationCache constructs a MemoryLocationCache. Entries older than
// ttl are not returned; ttl <= 0 keeps them forever.
func NewMemoryLocationCache(ttl time.Duration) *MemoryLocationCache {
	return &MemoryLocationCache{ttl: ttl, now: time.Now, m: map[model.ID]model.LocationUpdate{}}
}

// Put stores u if it is not older than the cached position.
func (c *MemoryLocationCache) Put(_ context.Context, u model.LocationUpdate) error {
	if u.EntityID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.m[u.EntityID]; ok && prev.Timestamp.After(u.Timestamp) {
		return nil
	}
	c.m[u.EntityID] = u
	return nil
}

func (c *MemoryLocationCache) Get(_ context.Context, entity model.ID) (model.LocationUpdate, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.m[entity]
	if !ok {
		return model.LocationUpdate{}, false, nil
	}
	if c.ttl > 0 && c.now().Sub(u.Timestamp) > c.ttl {
		delete(c.m, entity)
		return model.LocationUpdate{}, false, nil
	}
	return u, true, nil
}

func (c *MemoryLocationCache) Close() error { return nil }
