package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedFeed wraps a primary Feed with a Redis read-through cache. Reads
// check Redis first and fall back to the primary; fetched quotes are
// written back with a short TTL so co-located engine instances share one
// oracle round-trip.
type CachedFeed struct {
	primary Feed
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedFeed creates a cached wrapper around a primary feed.
func NewCachedFeed(primary Feed, rdb *redis.Client, ttl time.Duration) *CachedFeed {
	return &CachedFeed{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (f *CachedFeed) Price(ctx context.Context, instrument string) (decimal.Decimal, error) {
	mark, _, err := f.Prices(ctx, instrument)
	return mark, err
}

func (f *CachedFeed) Prices(ctx context.Context, instrument string) (decimal.Decimal, decimal.Decimal, error) {
	// Try cache.
	vals, err := f.rdb.MGet(ctx, markKey(instrument), indexKey(instrument)).Result()
	if err == nil && len(vals) == 2 && vals[0] != nil && vals[1] != nil {
		mark, merr := decimal.NewFromString(vals[0].(string))
		index, ierr := decimal.NewFromString(vals[1].(string))
		if merr == nil && ierr == nil {
			return mark, index, nil
		}
	}

	// Cache miss: read from primary.
	mark, index, err := f.primary.Prices(ctx, instrument)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	f.rdb.Set(ctx, markKey(instrument), mark.String(), f.ttl)
	f.rdb.Set(ctx, indexKey(instrument), index.String(), f.ttl)
	return mark, index, nil
}

func markKey(instrument string) string  { return fmt.Sprintf("price:%s:mark", instrument) }
func indexKey(instrument string) string { return fmt.Sprintf("price:%s:index", instrument) }
