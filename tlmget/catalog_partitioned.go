package tlmget

import (
	"context"
	"errors"
	"strings"

	"github.com/hashicorp/golang-lru/arc/v2"
	"golang.org/x/sync/singleflight"

	tlmerrors "github.com/flaneur2020/tlm-get/tlmget/errors"
	"github.com/flaneur2020/tlm-get/tlmget/logger"
	"github.com/flaneur2020/tlm-get/tlmget/storage"
)

// DefaultPartitionCacheSize is the number of partitions kept in memory.
const DefaultPartitionCacheSize = 32

type partitionKey struct {
	level    string
	mgrsTile string
}

// PartitionedCatalog looks entries up in per-(level, MGRS tile) catalog
// objects stored remotely. The object locator comes from a pattern holding
// the {level} and {mgrs_tile} placeholders, e.g.
//
//	/vsis3/indexes/{level}/{mgrs_tile}.jsonl.zst
//
// Loaded partitions are held in a bounded ARC cache; concurrent lookups of a
// partition that is not cached share a single fetch.
type PartitionedCatalog struct {
	storage storage.Storage
	pattern string
	cache   *arc.ARCCache[partitionKey, *TableCatalog]
	group   singleflight.Group
}

// NewPartitionedCatalog accepts s3:// patterns and rewrites them to /vsis3/.
func NewPartitionedCatalog(s storage.Storage, pattern string, cacheSize int) (*PartitionedCatalog, error) {
	if !strings.Contains(pattern, "{level}") || !strings.Contains(pattern, "{mgrs_tile}") {
		return nil, tlmerrors.ErrInvalidArgument.
			WithDetail("pattern", pattern).
			WithMessage("partition pattern must contain {level} and {mgrs_tile}")
	}
	if strings.HasPrefix(pattern, "s3://") {
		pattern = storage.PrefixS3 + strings.TrimPrefix(pattern, "s3://")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultPartitionCacheSize
	}
	cache, err := arc.NewARC[partitionKey, *TableCatalog](cacheSize)
	if err != nil {
		return nil, tlmerrors.ErrInvalidArgument.WithCause(err)
	}
	return &PartitionedCatalog{storage: s, pattern: pattern, cache: cache}, nil
}

// PartitionLocator returns the catalog object holding productID.
func (c *PartitionedCatalog) PartitionLocator(productID string) (string, error) {
	key, err := partitionKeyOf(productID)
	if err != nil {
		return "", err
	}
	return c.locator(key), nil
}

func (c *PartitionedCatalog) locator(key partitionKey) string {
	return strings.NewReplacer("{level}", key.level, "{mgrs_tile}", key.mgrsTile).Replace(c.pattern)
}

// partitionKeyOf takes the level from the second field without its "MSI"
// prefix and the tile from the sixth without its leading "T".
func partitionKeyOf(productID string) (partitionKey, error) {
	parts := strings.Split(productID, "_")
	if len(parts) < 6 || len(parts[1]) <= 3 || len(parts[5]) <= 1 {
		return partitionKey{}, tlmerrors.ErrNotFound.
			WithDetail("product_id", productID).
			WithMessage("product id does not name a partition")
	}
	return partitionKey{level: parts[1][3:], mgrsTile: parts[5][1:]}, nil
}

func (c *PartitionedCatalog) Lookup(ctx context.Context, productID, bandID string) (*Entry, error) {
	key, err := partitionKeyOf(productID)
	if err != nil {
		return nil, err
	}
	partition, err := c.partition(ctx, key)
	if err != nil {
		return nil, err
	}
	return partition.Lookup(ctx, productID, bandID)
}

// partition returns the cached table for key or joins the fetch in flight.
// The fetch is detached from any single caller; each caller stops waiting
// when its own ctx is done.
func (c *PartitionedCatalog) partition(ctx context.Context, key partitionKey) (*TableCatalog, error) {
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	locator := c.locator(key)
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(locator, func() (interface{}, error) {
		if cached, ok := c.cache.Get(key); ok {
			return cached, nil
		}
		table, err := LoadTableCatalog(fetchCtx, c.storage, locator)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, table)
		return table, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, tlmerrors.ErrCatalogLoad.WithDetail("locator", locator).WithCause(ctx.Err())
	}
	if res.Err != nil {
		if errors.Is(res.Err, tlmerrors.ErrNotFound) {
			return nil, tlmerrors.ErrNotFound.
				WithDetail("level", key.level).
				WithDetail("mgrs_tile", key.mgrsTile).
				WithCause(res.Err).
				WithMessage("no catalog partition")
		}
		return nil, res.Err
	}
	if res.Shared {
		logger.Debug("Shared partition fetch for %s", locator)
	}
	return res.Val.(*TableCatalog), nil
}

// CachedPartitions is the number of partitions currently cached.
func (c *PartitionedCatalog) CachedPartitions() int {
	return c.cache.Len()
}
