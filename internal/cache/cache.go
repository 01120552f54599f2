// Package cache provides the two preview-side LRU caches: decoded
// display-ready frames, and warm decode positions that shorten later
// seeks into the same region. Both are owned by the preview worker
// goroutine and never shared.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/r4ai/cutit/internal/media"
)

const (
	// DefaultFrameBucketTL groups requests within one NTSC frame
	// (~33.3 ms) into a single cache slot.
	DefaultFrameBucketTL = 33_333
	// DefaultSeekRegionTL groups warm decoders by one-second regions.
	DefaultSeekRegionTL = 1_000_000
)

// FrameKey identifies a cached preview frame: the asset, the
// requested output size and a coarse time bucket.
type FrameKey struct {
	AssetID int64
	Width   int
	Height  int
	Bucket  int64
}

// FrameCache holds display-ready preview frames under an entry
// budget with LRU eviction. A hit bypasses the decode worker.
type FrameCache struct {
	entries  *lru.Cache[FrameKey, *media.PreviewFrame]
	bucketTL int64
}

// NewFrameCache creates a frame cache with the given entry capacity
// and bucket size in timeline ticks.
func NewFrameCache(capacity int, bucketTL int64) (*FrameCache, error) {
	if bucketTL <= 0 {
		return nil, fmt.Errorf("frame cache bucket size must be positive, got %d", bucketTL)
	}
	entries, err := lru.New[FrameKey, *media.PreviewFrame](capacity)
	if err != nil {
		return nil, fmt.Errorf("create frame cache: %w", err)
	}
	return &FrameCache{entries: entries, bucketTL: bucketTL}, nil
}

func (c *FrameCache) key(assetID int64, width, height int, sourceTL int64) FrameKey {
	if sourceTL < 0 {
		sourceTL = 0
	}
	return FrameKey{AssetID: assetID, Width: width, Height: height, Bucket: sourceTL / c.bucketTL}
}

// Get returns a cached frame for the bucket containing sourceTL and
// marks it recently used.
func (c *FrameCache) Get(assetID int64, width, height int, sourceTL int64) (*media.PreviewFrame, bool) {
	return c.entries.Get(c.key(assetID, width, height, sourceTL))
}

// Add stores a frame under the bucket containing sourceTL.
func (c *FrameCache) Add(assetID int64, width, height int, sourceTL int64, frame *media.PreviewFrame) {
	c.entries.Add(c.key(assetID, width, height, sourceTL), frame)
}

// Len reports the current entry count.
func (c *FrameCache) Len() int {
	return c.entries.Len()
}

// Purge drops every cached frame, used when the project changes.
func (c *FrameCache) Purge() {
	c.entries.Purge()
}

// SeekKey identifies a warm decode position: asset plus coarse region.
type SeekKey struct {
	AssetID int64
	Region  int64
}

// WarmDecoder is a ready-to-decode-from position. Position is the
// PTS of the next frame the decoder will produce, in stream ticks.
type WarmDecoder struct {
	Decoder  media.VideoDecoder
	Position int64
}

// SeekCache keeps warm decoders per (asset, region) with independent
// LRU eviction; evicted decoders are closed. Ownership of an entry
// moves to the caller on Take and back to the cache on Put.
type SeekCache struct {
	entries  *lru.Cache[SeekKey, *WarmDecoder]
	regionTL int64
}

// NewSeekCache creates a seek cache with the given entry capacity and
// region size in timeline ticks.
func NewSeekCache(capacity int, regionTL int64) (*SeekCache, error) {
	if regionTL <= 0 {
		return nil, fmt.Errorf("seek cache region size must be positive, got %d", regionTL)
	}
	entries, err := lru.NewWithEvict(capacity, func(_ SeekKey, warm *WarmDecoder) {
		if warm != nil && warm.Decoder != nil {
			warm.Decoder.Close()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create seek cache: %w", err)
	}
	return &SeekCache{entries: entries, regionTL: regionTL}, nil
}

func (c *SeekCache) key(assetID, sourceTL int64) SeekKey {
	if sourceTL < 0 {
		sourceTL = 0
	}
	return SeekKey{AssetID: assetID, Region: sourceTL / c.regionTL}
}

// Take removes and returns the warm decoder for the region containing
// sourceTL; the caller now owns the handle.
func (c *SeekCache) Take(assetID, sourceTL int64) (*WarmDecoder, bool) {
	key := c.key(assetID, sourceTL)
	warm, ok := c.entries.Peek(key)
	if !ok {
		return nil, false
	}
	// Remove without firing the eviction callback closing the handle:
	// Peek + Remove would close it, so swap in a tombstone first.
	c.entries.Add(key, nil)
	c.entries.Remove(key)
	return warm, true
}

// Put stores a warm decoder for the region containing sourceTL. Any
// previous entry for the region is closed by the eviction callback.
func (c *SeekCache) Put(assetID, sourceTL int64, warm *WarmDecoder) {
	key := c.key(assetID, sourceTL)
	// Add on an existing key replaces in place without the eviction
	// callback, so close the displaced handle here.
	if old, ok := c.entries.Peek(key); ok && old != nil && old != warm {
		old.Decoder.Close()
	}
	c.entries.Add(key, warm)
}

// Close drops all warm decoders, closing each via eviction.
func (c *SeekCache) Close() {
	c.entries.Purge()
}
