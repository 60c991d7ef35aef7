package detect

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/kvs-infer/internal/geometry"
)

const dedupCacheSize = 4096

// DetectionHash maps a detection to a short stable key from its label and the
// grid cell its bbox center falls into.
func DetectionHash(label string, bbox geometry.BBox, gridSize float64) string {
	c := bbox.Center()
	gx := int(math.Floor(c.X / gridSize))
	gy := int(math.Floor(c.Y / gridSize))
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d_%d", label, gx, gy)))
	return hex.EncodeToString(sum[:])[:12]
}

// SpatialDedup suppresses repeat events for the same label in the same grid
// cell within a frame window. Not safe for concurrent use.
type SpatialDedup struct {
	window   int64
	gridSize float64
	seen     *lru.Cache[string, int64]
}

// NewSpatialDedup builds a deduplicator with the given frame window and grid
// cell size in pixels.
func NewSpatialDedup(window int64, gridSize float64) (*SpatialDedup, error) {
	if window < 1 {
		return nil, fmt.Errorf("dedup window must be >= 1, got %d", window)
	}
	if gridSize <= 0 {
		return nil, fmt.Errorf("dedup grid size must be positive, got %f", gridSize)
	}
	seen, err := lru.New[string, int64](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &SpatialDedup{window: window, gridSize: gridSize, seen: seen}, nil
}

// IsDuplicate reports whether an equivalent detection was emitted within the
// window, and records this one as the cell's latest emission when it is new.
func (d *SpatialDedup) IsDuplicate(label string, bbox geometry.BBox, frameIdx int64) bool {
	h := DetectionHash(label, bbox, d.gridSize)
	if last, ok := d.seen.Get(h); ok && frameIdx-last < d.window {
		return true
	}
	d.seen.Add(h, frameIdx)
	return false
}

// PlateDedup suppresses repeat plate reads: the key combines the recognised
// text with the plate's grid cell, so the same plate re-read in place stays
// quiet while the same text appearing elsewhere in the frame does not.
type PlateDedup struct {
	window   int64
	gridSize float64
	seen     *lru.Cache[string, int64]
}

// NewPlateDedup builds a plate deduplicator.
func NewPlateDedup(window int64, gridSize float64) (*PlateDedup, error) {
	if window < 1 {
		return nil, fmt.Errorf("plate dedup window must be >= 1, got %d", window)
	}
	if gridSize <= 0 {
		return nil, fmt.Errorf("plate dedup grid size must be positive, got %f", gridSize)
	}
	seen, err := lru.New[string, int64](dedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &PlateDedup{window: window, gridSize: gridSize, seen: seen}, nil
}

// IsDuplicate reports whether the plate text was already emitted from the same
// grid cell within the window.
func (d *PlateDedup) IsDuplicate(text string, bbox geometry.BBox, frameIdx int64) bool {
	c := bbox.Center()
	gx := int(math.Floor(c.X / d.gridSize))
	gy := int(math.Floor(c.Y / d.gridSize))
	key := fmt.Sprintf("%s:%d_%d", text, gx, gy)
	if last, ok := d.seen.Get(key); ok && frameIdx-last < d.window {
		return true
	}
	d.seen.Add(key, frameIdx)
	return false
}
