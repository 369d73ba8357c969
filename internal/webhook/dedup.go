// payment-core/internal/webhook/dedup.go
package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	errs "github.com/example/payment-core/pkg/errors"
)

// Deduper remembers event ids that were applied successfully.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type RedisDeduper struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisDeduper(rdb redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl, prefix: "payments:webhook:"}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.prefix+eventID).Result()
	if err != nil {
		return false, errs.Wrap(errs.KindUnavailable, "dedup_unavailable", "check webhook event", err)
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, eventID string) error {
	if err := d.rdb.SetNX(ctx, d.prefix+eventID, 1, d.ttl).Err(); err != nil {
		return errs.Wrap(errs.KindUnavailable, "dedup_unavailable", "mark webhook event", err)
	}
	return nil
}

// MemoryDeduper is for single-process runs and tests.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: map[string]time.Time{}, now: time.Now}
}

func (d *MemoryDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[eventID]
	if !ok {
		return false, nil
	}
	if d.ttl > 0 && d.now().Sub(at) > d.ttl {
		delete(d.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (d *MemoryDeduper) Mark(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[eventID]; !ok {
		d.seen[eventID] = d.now()
	}
	return nil
}
