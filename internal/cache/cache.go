// Package cache implements the two-tier product photo cache: a bounded
// in-process LRU in front of an unbounded durable tier in Postgres.
package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/fwippe/orderlens/internal/db"
)

// DefaultMemoryCapacity bounds the memory tier when no size is configured.
const DefaultMemoryCapacity = 200

// Entry is one cached asset as served to HTTP handlers.
type Entry struct {
	AssetID     string
	Data        []byte
	ContentType string
	ETag        string
}

// Store is the durable tier. Satisfied by *db.Queries.
type Store interface {
	GetCachedAsset(ctx context.Context, assetID string) (db.CachedAsset, error)
	UpsertCachedAsset(ctx context.Context, arg db.UpsertCachedAssetParams) error
}

// StorageError wraps a durable-tier failure. The cache never propagates it:
// reads degrade to misses and writes fall back to serving the bytes the
// caller already holds.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("durable tier %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ETagFor derives the conditional-request tag for an asset. Assets are
// immutable per id, so the id doubles as the version tag.
func ETagFor(assetID string) string {
	return `"` + assetID + `"`
}

// TwoTier serves asset bytes memory-first, durable-second. It never talks to
// the network; fetching is the caller's job.
type TwoTier struct {
	store    Store
	mem      *ttlcache.Cache[string, Entry]
	capacity int
	log      zerolog.Logger
}

func NewTwoTier(store Store, capacity int, log zerolog.Logger) *TwoTier {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	mem := ttlcache.New[string, Entry](
		ttlcache.WithCapacity[string, Entry](uint64(capacity)),
	)
	return &TwoTier{
		store:    store,
		mem:      mem,
		capacity: capacity,
		log:      log.With().Str("component", "cache").Logger(),
	}
}

// Get returns the cached entry for assetID. The memory lookup promotes the
// entry to most recently used; a durable hit backfills the memory tier. A
// durable read error degrades to a miss.
func (c *TwoTier) Get(ctx context.Context, assetID string) (Entry, bool) {
	if item := c.mem.Get(assetID); item != nil {
		return item.Value(), true
	}

	rec, err := c.store.GetCachedAsset(ctx, assetID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			serr := &StorageError{Op: "get", Err: err}
			c.log.Warn().Err(serr).Str("asset_id", assetID).Msg("durable read failed, treating as miss")
		}
		return Entry{}, false
	}

	entry := Entry{
		AssetID:     assetID,
		Data:        rec.Data,
		ContentType: rec.ContentType,
		ETag:        ETagFor(assetID),
	}
	c.mem.Set(assetID, entry, ttlcache.NoTTL)
	return entry, true
}

// Put writes through: durable tier first, memory only on success, so the
// memory tier never holds an asset the durable tier lost. A durable write
// failure is logged and swallowed; the returned entry lets the caller serve
// the bytes it already fetched.
func (c *TwoTier) Put(ctx context.Context, assetID string, data []byte, contentType string) Entry {
	entry := Entry{
		AssetID:     assetID,
		Data:        data,
		ContentType: contentType,
		ETag:        ETagFor(assetID),
	}

	err := c.store.UpsertCachedAsset(ctx, db.UpsertCachedAssetParams{
		AssetID:     assetID,
		Data:        data,
		ContentType: contentType,
	})
	if err != nil {
		serr := &StorageError{Op: "upsert", Err: err}
		c.log.Error().Err(serr).Str("asset_id", assetID).Msg("durable write failed, memory tier left untouched")
		return entry
	}

	c.mem.Set(assetID, entry, ttlcache.NoTTL)
	return entry
}

// Stats describes the memory tier.
type Stats struct {
	Size       int     `json:"size"`
	Capacity   int     `json:"capacity"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Insertions uint64  `json:"insertions"`
	Evictions  uint64  `json:"evictions"`
}

func (c *TwoTier) Stats() Stats {
	m := c.mem.Metrics()
	s := Stats{
		Size:       c.mem.Len(),
		Capacity:   c.capacity,
		Hits:       m.Hits,
		Misses:     m.Misses,
		Insertions: m.Insertions,
		Evictions:  m.Evictions,
	}
	if total := m.Hits + m.Misses; total > 0 {
		s.HitRate = float64(m.Hits) / float64(total)
	}
	return s
}
