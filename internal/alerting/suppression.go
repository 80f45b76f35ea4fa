package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SuppressionStore remembers alert fingerprints so duplicates inside
// the suppression window are counted instead of re-notified. Seen marks
// the fingerprint and reports whether it was already marked less than
// ttl ago; the window anchors at the first sighting.
type SuppressionStore interface {
	Seen(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	Close() error
}

// MemorySuppression is the in-process SuppressionStore.
type MemorySuppression struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemorySuppression creates an empty in-process store.
func NewMemorySuppression() *MemorySuppression {
	return &MemorySuppression{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen implements SuppressionStore.
func (m *MemorySuppression) Seen(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if expiry, ok := m.seen[fingerprint]; ok && now.Before(expiry) {
		return true, nil
	}
	// Opportunistic sweep keeps the map from accreting dead entries.
	for fp, expiry := range m.seen {
		if !now.Before(expiry) {
			delete(m.seen, fp)
		}
	}
	m.seen[fingerprint] = now.Add(ttl)
	return false, nil
}

// Close implements SuppressionStore.
func (m *MemorySuppression) Close() error { return nil }

// RedisSuppression keeps fingerprints in Redis so suppression state
// survives restarts and is shared when several monitor instances front
// the same database.
type RedisSuppression struct {
	client *redis.Client
	prefix string
}

// NewRedisSuppression wraps an existing Redis client. The prefix
// namespaces keys, defaulting to "dbsentinel:suppress:".
func NewRedisSuppression(client *redis.Client, prefix string) *RedisSuppression {
	if prefix == "" {
		prefix = "dbsentinel:suppress:"
	}
	return &RedisSuppression{client: client, prefix: prefix}
}

// Seen implements SuppressionStore. SETNX with expiry gives the same
// anchored-window semantics as the in-process store.
func (r *RedisSuppression) Seen(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, r.prefix+fingerprint, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Close implements SuppressionStore.
func (r *RedisSuppression) Close() error {
	return r.client.Close()
}
