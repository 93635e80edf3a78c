package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/types"
)

type SnapshotCache interface {
	Get(ctx context.Context, productID string) (*types.VerificationSnapshot, error)
	Set(ctx context.Context, snapshot *types.VerificationSnapshot) error
	Invalidate(ctx context.Context, productID string) error
	Close() error
}

type snapshotCache struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewSnapshotCache connects to REDIS_ADDR and caches verification snapshots
// under a per-product key. Callers treat a nil cache as "disabled"; every
// method is safe to call on one.
func NewSnapshotCache(log *logger.Logger) (SnapshotCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	prefix := strings.TrimSpace(os.Getenv("REDIS_SNAPSHOT_PREFIX"))
	if prefix == "" {
		prefix = "snapshot"
	}
	ttl := 30 * time.Second
	if raw := strings.TrimSpace(os.Getenv("REDIS_SNAPSHOT_TTL")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("bad REDIS_SNAPSHOT_TTL: %w", err)
		}
		ttl = parsed
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &snapshotCache{
		log:    log.With("service", "RedisSnapshotCache"),
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (c *snapshotCache) key(productID string) string {
	return c.prefix + ":" + productID
}

// Get returns nil, nil on a cache miss. Decode failures are treated as a
// miss as well; the stale entry is dropped so the next Set rewrites it.
func (c *snapshotCache) Get(ctx context.Context, productID string) (*types.VerificationSnapshot, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	raw, err := c.rdb.Get(ctx, c.key(productID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot types.VerificationSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		c.log.Warn("bad cached snapshot, dropping", "product_id", productID, "error", err)
		_ = c.rdb.Del(ctx, c.key(productID)).Err()
		return nil, nil
	}
	return &snapshot, nil
}

func (c *snapshotCache) Set(ctx context.Context, snapshot *types.VerificationSnapshot) error {
	if c == nil || c.rdb == nil || snapshot == nil {
		return nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(snapshot.Product.ProductID), raw, c.ttl).Err()
}

func (c *snapshotCache) Invalidate(ctx context.Context, productID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, c.key(productID)).Err()
}

func (c *snapshotCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
