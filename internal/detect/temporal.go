package detect

import (
	"github.com/technosupport/kvs-infer/internal/geometry"
)

// bufferedDetection is one remembered sighting inside the confirmation window.
type bufferedDetection struct {
	label    string
	bbox     geometry.BBox
	frameIdx int64
}

// TemporalBuffer confirms a detection only after it has been seen in enough
// recent frames, suppressing single-frame flicker. It is not safe for
// concurrent use; each detector owns its own buffer.
type TemporalBuffer struct {
	window           int64
	minConfirmations int
	iouThreshold     float64
	entries          []bufferedDetection
}

// NewTemporalBuffer builds a buffer over the last window frames requiring
// minConfirmations similar sightings. Similarity is IoU >= iouThreshold on
// matching labels.
func NewTemporalBuffer(window int64, minConfirmations int, iouThreshold float64) *TemporalBuffer {
	if window < 1 {
		window = 1
	}
	if minConfirmations < 1 {
		minConfirmations = 1
	}
	return &TemporalBuffer{
		window:           window,
		minConfirmations: minConfirmations,
		iouThreshold:     iouThreshold,
	}
}

// CountSimilar returns how many buffered sightings within the window match the
// given label and overlap the bbox at or above the IoU threshold.
func (b *TemporalBuffer) CountSimilar(label string, bbox geometry.BBox, frameIdx int64) int {
	count := 0
	for _, e := range b.entries {
		if frameIdx-e.frameIdx >= b.window {
			continue
		}
		if e.label != label {
			continue
		}
		if geometry.IoU(e.bbox, bbox) >= b.iouThreshold {
			count++
		}
	}
	return count
}

// Confirm records the sighting and reports whether it is confirmed: the count
// of similar prior sightings is taken before the current one is appended, so a
// detection confirms once minConfirmations-1 earlier frames agree with it.
func (b *TemporalBuffer) Confirm(label string, bbox geometry.BBox, frameIdx int64) bool {
	prior := b.CountSimilar(label, bbox, frameIdx)
	b.append(label, bbox, frameIdx)
	return prior >= b.minConfirmations-1
}

func (b *TemporalBuffer) append(label string, bbox geometry.BBox, frameIdx int64) {
	// Drop expired entries while we are here so the buffer stays bounded.
	kept := b.entries[:0]
	for _, e := range b.entries {
		if frameIdx-e.frameIdx < b.window {
			kept = append(kept, e)
		}
	}
	b.entries = append(kept, bufferedDetection{label: label, bbox: bbox, frameIdx: frameIdx})
}

// Len reports the number of live entries; used by tests.
func (b *TemporalBuffer) Len() int { return len(b.entries) }
