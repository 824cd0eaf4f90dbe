// Package resultcache serves finalized score summaries by roll number,
// from Redis when configured and from the entity store otherwise.
package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

// ErrMiss reports a cache lookup that found nothing. Callers fall
// through to the store.
var ErrMiss = errors.New("result cache miss")

// DefaultTTL bounds staleness when an invalidation is lost.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "omrchain:result:"

// Summary is the published result for one roll number: the best sheet
// (finalized preferred over scored) joined with its score and paper.
type Summary struct {
	Roll                string          `json:"roll"`
	SheetID             string          `json:"sheet_id"`
	ExamID              string          `json:"exam_id"`
	Subject             string          `json:"subject"`
	Stage               contracts.Stage `json:"stage"`
	AutomatedMarks      float64         `json:"automated_marks"`
	ManualMarks         *float64        `json:"manual_marks,omitempty"`
	MaxMarks            float64         `json:"max_marks"`
	Percentage          float64         `json:"percentage"`
	Grade               string          `json:"grade"`
	IsPerfectEvaluation bool            `json:"is_perfect_evaluation"`
	Finalized           bool            `json:"finalized"`
	BlockHash           string          `json:"block_hash,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Cache is the Redis layer. All methods are safe for concurrent use;
// the zero TTL falls back to DefaultTTL.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

type CacheOption func(*Cache)

func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

func NewCache(rdb *redis.Client, opts ...CacheOption) *Cache {
	c := &Cache{
		rdb: rdb,
		ttl: DefaultTTL,
		log: slog.Default().With("component", "resultcache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(roll string) string {
	return keyPrefix + canonical.NormalizeRoll(roll)
}

// Get returns the cached summary for roll, or ErrMiss.
func (c *Cache) Get(ctx context.Context, roll string) (*Summary, error) {
	b, err := c.rdb.Get(ctx, cacheKey(roll)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("result cache get: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("result cache decode: %w", err)
	}
	return &s, nil
}

// Put stores the summary under its normalized roll for the cache TTL.
func (c *Cache) Put(ctx context.Context, s *Summary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("result cache encode: %w", err)
	}
	if err := c.rdb.Set(ctx, cacheKey(s.Roll), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("result cache set: %w", err)
	}
	return nil
}

// Invalidate drops the cached summary for roll. Absent keys are not an
// error.
func (c *Cache) Invalidate(ctx context.Context, roll string) error {
	if err := c.rdb.Del(ctx, cacheKey(roll)).Err(); err != nil {
		return fmt.Errorf("result cache del: %w", err)
	}
	return nil
}
