package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/usagelimiter/backend/internal/domain/shared"
)

// DefaultProcessedEventPrefix namespaces processed event ids in Redis
const DefaultProcessedEventPrefix = "ul:event:processed:"

// RedisProcessedEventStore records processed event ids with SET NX so that
// every instance sees the same ids.
type RedisProcessedEventStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisProcessedEventStore creates a store on an existing client
func NewRedisProcessedEventStore(client redis.Cmdable, keyPrefix string) *RedisProcessedEventStore {
	if keyPrefix == "" {
		keyPrefix = DefaultProcessedEventPrefix
	}
	return &RedisProcessedEventStore{client: client, keyPrefix: keyPrefix}
}

// MarkProcessed records eventID atomically
func (s *RedisProcessedEventStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+eventID, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s as processed: %w", eventID, err)
	}
	return ok, nil
}

// IsProcessed reports whether eventID is recorded
func (s *RedisProcessedEventStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Close is a no-op; the client is owned by the caller
func (s *RedisProcessedEventStore) Close() error {
	return nil
}

// InMemoryProcessedEventStore is the single-instance variant
type InMemoryProcessedEventStore struct {
	mu        sync.Mutex
	expiry    map[string]time.Time
	now       func() time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryProcessedEventStore creates the store and starts a cleanup
// goroutine that drops expired ids every cleanupInterval (default 5m).
func NewInMemoryProcessedEventStore(cleanupInterval time.Duration) *InMemoryProcessedEventStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	s := &InMemoryProcessedEventStore{
		expiry:   make(map[string]time.Time),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.evictExpired()
			}
		}
	}()
	return s
}

// MarkProcessed records eventID unless it is already recorded
func (s *InMemoryProcessedEventStore) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.expiry[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	s.expiry[eventID] = now.Add(ttl)
	return true, nil
}

// IsProcessed reports whether eventID is recorded
func (s *InMemoryProcessedEventStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expiry[eventID]
	return ok && s.now().Before(exp), nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *InMemoryProcessedEventStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

func (s *InMemoryProcessedEventStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.expiry {
		if !now.Before(exp) {
			delete(s.expiry, id)
		}
	}
}

var (
	_ shared.ProcessedEventStore = (*RedisProcessedEventStore)(nil)
	_ shared.ProcessedEventStore = (*InMemoryProcessedEventStore)(nil)
)
