package cache

import (
	"context"
	"sync"
	"time"

	appbilling "github.com/usagelimiter/backend/internal/application/billing"
	"github.com/usagelimiter/backend/internal/domain/billing"
)

type planEntry struct {
	plan      *billing.ResolvedPlan
	expiresAt time.Time
}

// InMemoryPlanCache keeps resolved plans in process memory.
// Entries are not shared between instances, so invalidation only reaches
// the local process.
type InMemoryPlanCache struct {
	mu        sync.RWMutex
	entries   map[string]planEntry
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryPlanCache creates the cache and starts its cleanup goroutine.
// cleanupInterval <= 0 defaults to one minute.
func NewInMemoryPlanCache(cleanupInterval time.Duration) *InMemoryPlanCache {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	c := &InMemoryPlanCache{
		entries:  make(map[string]planEntry),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.cleanupLoop(cleanupInterval)

	return c
}

// Get returns the cached plan, or nil when missing or expired
func (c *InMemoryPlanCache) Get(_ context.Context, key string) (*billing.ResolvedPlan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, nil
	}
	return e.plan, nil
}

// Set stores plan under key for ttl
func (c *InMemoryPlanCache) Set(_ context.Context, key string, plan *billing.ResolvedPlan, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = planEntry{plan: plan, expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes key
func (c *InMemoryPlanCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included
func (c *InMemoryPlanCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (c *InMemoryPlanCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
	})
	return nil
}

func (c *InMemoryPlanCache) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *InMemoryPlanCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

var _ appbilling.PlanCache = (*InMemoryPlanCache)(nil)
