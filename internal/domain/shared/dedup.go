package shared

import (
	"context"
	"time"
)

// ProcessedEventStore remembers which event ids a handler has already seen,
// so at-least-once delivery paths can skip redeliveries.
type ProcessedEventStore interface {
	// MarkProcessed records eventID for ttl. It returns false when the id
	// was already recorded and has not expired.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// IsProcessed reports whether eventID is currently recorded
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	Close() error
}

// DedupConfig controls event deduplication
type DedupConfig struct {
	TTL     time.Duration
	Enabled bool
}

// DefaultDedupConfig keeps processed ids for a day
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		TTL:     24 * time.Hour,
		Enabled: true,
	}
}
