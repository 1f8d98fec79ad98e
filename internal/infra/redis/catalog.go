package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quiz-battle-service/internal/domain"
)

// CatalogLoader fetches content units from a backing store (e.g. Postgres).
type CatalogLoader interface {
	LoadUnits(ctx context.Context, subject string, gradeLevel int) ([]domain.ContentUnit, error)
}

// UnitCatalog caches catalog lookups in Redis (JSON list per subject/grade
// pair) and falls back to the loader on a miss. Singleflight keeps a cold
// subject from stampeding the backing store.
type UnitCatalog struct {
	client *redis.Client
	loader CatalogLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewUnitCatalog(client *redis.Client, loader CatalogLoader, ttl time.Duration) *UnitCatalog {
	return &UnitCatalog{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *UnitCatalog) key(subject string, gradeLevel int) string {
	return fmt.Sprintf("battle:catalog:%s:%d", subject, gradeLevel)
}

func (c *UnitCatalog) FindUnits(ctx context.Context, subject string, gradeLevel int) ([]domain.ContentUnit, error) {
	key := c.key(subject, gradeLevel)

	if units, ok := c.fromCache(ctx, key); ok {
		return units, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if units, ok := c.fromCache(ctx, key); ok {
			return units, nil
		}

		units, err := c.loader.LoadUnits(ctx, subject, gradeLevel)
		if err != nil {
			return nil, err
		}

		raw, err := json.Marshal(units)
		if err != nil {
			return nil, fmt.Errorf("encode units: %w", err)
		}
		_ = c.client.Set(ctx, key, string(raw), c.ttlWithJitter()).Err()
		return units, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.ContentUnit), nil
}

func (c *UnitCatalog) fromCache(ctx context.Context, key string) ([]domain.ContentUnit, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var units []domain.ContentUnit
	if err := json.Unmarshal(raw, &units); err != nil {
		return nil, false
	}
	for _, u := range units {
		if u.Validate() != nil {
			return nil, false
		}
	}
	return units, true
}

func (c *UnitCatalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
