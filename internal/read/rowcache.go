package read

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusdb/tablestore"
)

// cachedPartition is the JSON wire shape for a row-cache entry, grounded on
// SharedCode-sop/redis/redis.go's SetStruct/GetStruct (JSON-marshal a Go
// struct through the cache's raw byte Get/Set). tablestore.PartitionUpdate
// itself isn't a clean JSON value (its Rows key is a derived byte string,
// and Token is an interface), so this is a flattened, round-trippable
// projection rather than a direct json tag on PartitionUpdate.
type cachedPartition struct {
	KeyBytes          []byte                        `json:"key_bytes"`
	KeyToken          int64                         `json:"key_token"`
	Table             tablestore.UUID               `json:"table"`
	Rows              []cachedRow                   `json:"rows"`
	RangeDeletions    []tablestore.RangeDeletion    `json:"range_deletions"`
	PartitionDeletion tablestore.PartitionDeletion  `json:"partition_deletion"`
	CDC               bool                          `json:"cdc"`
}

type cachedRow struct {
	Clustering tablestore.Clustering      `json:"clustering"`
	Cells      map[string]tablestore.Cell `json:"cells"`
}

// CacheRowCache implements RowCache against a tablestore.Cache, assuming an
// Int64Token partitioner (the module's default, per token.go) — any other
// Token implementation needs its own RowCache, since Token itself isn't
// serializable in general.
type CacheRowCache struct {
	cache  tablestore.Cache
	ttl    time.Duration
	epochs sync.Map // tablestore.TableID -> *atomic.Int64
}

// NewCacheRowCache wraps cache as a RowCache, caching entries for ttl
// (defaulting to 5 minutes when ttl is non-positive).
func NewCacheRowCache(cache tablestore.Cache, ttl time.Duration) *CacheRowCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CacheRowCache{cache: cache, ttl: ttl}
}

func (c *CacheRowCache) epoch(tableID tablestore.TableID) int64 {
	v, _ := c.epochs.LoadOrStore(tableID, new(atomic.Int64))
	return v.(*atomic.Int64).Load()
}

func rowCacheKey(tableID tablestore.TableID, epoch int64, key tablestore.PartitionKey) string {
	return fmt.Sprintf("rowcache/%s/%d/%s", tableID.String(), epoch, hex.EncodeToString(key.Bytes))
}

// InvalidateTable implements RowCache. The generic tablestore.Cache contract
// has no prefix scan, so entries already written under the old epoch are
// never actively deleted; bumping the epoch only stops this process from
// ever looking them up again, and they fall out of the cache on their own
// TTL. Cross-process, a Cache instance shared by another process keeps
// serving the old epoch's entries until its own copy of this method runs
// (or they expire) - this is the best-effort trade-off noted on RowCache.
func (c *CacheRowCache) InvalidateTable(ctx context.Context, tableID tablestore.TableID) {
	v, _ := c.epochs.LoadOrStore(tableID, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

// Lookup implements RowCache.
func (c *CacheRowCache) Lookup(ctx context.Context, tableID tablestore.TableID, key tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool) {
	found, raw, err := c.cache.Get(ctx, rowCacheKey(tableID, c.epoch(tableID), key))
	if err != nil {
		log.Warn("row cache get failed", "table", tableID.String(), "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var cp cachedPartition
	if err := json.Unmarshal(raw, &cp); err != nil {
		log.Warn("row cache entry corrupt, treating as a miss", "table", tableID.String(), "error", err)
		return nil, false
	}
	return cp.toPartitionUpdate(), true
}

// Store implements RowCache.
func (c *CacheRowCache) Store(ctx context.Context, tableID tablestore.TableID, pu *tablestore.PartitionUpdate) {
	raw, err := json.Marshal(fromPartitionUpdate(pu))
	if err != nil {
		log.Warn("row cache encode failed", "table", tableID.String(), "error", err)
		return
	}
	if err := c.cache.Set(ctx, rowCacheKey(tableID, c.epoch(tableID), pu.Key), raw, c.ttl); err != nil {
		log.Warn("row cache set failed", "table", tableID.String(), "error", err)
	}
}

func fromPartitionUpdate(pu *tablestore.PartitionUpdate) cachedPartition {
	token, _ := pu.Key.Token.(tablestore.Int64Token)
	cp := cachedPartition{
		KeyBytes:          pu.Key.Bytes,
		KeyToken:          int64(token),
		Table:             tablestore.UUID(pu.Table),
		RangeDeletions:    pu.RangeDeletions,
		PartitionDeletion: pu.PartitionDeletion,
		CDC:               pu.CDC,
	}
	for _, row := range pu.Rows {
		cp.Rows = append(cp.Rows, cachedRow{Clustering: row.Clustering, Cells: row.Cells})
	}
	return cp
}

func (cp cachedPartition) toPartitionUpdate() *tablestore.PartitionUpdate {
	key := tablestore.PartitionKey{Bytes: cp.KeyBytes, Token: tablestore.Int64Token(cp.KeyToken)}
	out := tablestore.NewPartitionUpdate(key, tablestore.TableID(cp.Table))
	out.RangeDeletions = cp.RangeDeletions
	out.PartitionDeletion = cp.PartitionDeletion
	out.CDC = cp.CDC
	for _, row := range cp.Rows {
		out.Rows[tablestore.ClusteringKey(row.Clustering)] = tablestore.Row{Clustering: row.Clustering, Cells: row.Cells}
	}
	return out
}
