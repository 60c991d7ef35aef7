package detect

import (
	"fmt"

	"github.com/technosupport/kvs-infer/internal/geometry"
)

// pipeline holds the per-detector state shared by every detector type: ROI
// mode, temporal confirmation buffer, spatial dedup, and the frame counter.
type pipeline struct {
	roiMode       string
	roiMinOverlap float64

	temporal *TemporalBuffer
	dedup    *SpatialDedup

	frameCount int64
}

// pipelineParams are the common detector configuration keys.
type pipelineParams struct {
	roiMode        string
	roiMinOverlap  float64
	temporalWindow int
	temporalIoU    float64
	temporalMin    int
	dedupWindow    int
	dedupGridSize  int
}

func parsePipelineParams(params map[string]any, dedupWindowDefault int) (pipelineParams, error) {
	var p pipelineParams
	var err error

	if p.roiMode, err = paramString(params, "roi_filter_mode", geometry.ROIModeCenter); err != nil {
		return p, err
	}
	if !geometry.ValidROIMode(p.roiMode) {
		return p, fmt.Errorf("invalid roi_filter_mode %q", p.roiMode)
	}
	if p.roiMinOverlap, err = paramFloat(params, "roi_min_overlap", 0.5); err != nil {
		return p, err
	}
	if p.temporalWindow, err = paramInt(params, "temporal_window", 5); err != nil {
		return p, err
	}
	if p.temporalIoU, err = paramFloat(params, "temporal_iou", 0.3); err != nil {
		return p, err
	}
	if p.temporalMin, err = paramInt(params, "temporal_min_conf", 3); err != nil {
		return p, err
	}
	if p.temporalMin < 1 || p.temporalMin > p.temporalWindow {
		return p, fmt.Errorf("temporal_min_conf must be in [1, temporal_window=%d], got %d", p.temporalWindow, p.temporalMin)
	}
	if p.dedupWindow, err = paramInt(params, "dedup_window", dedupWindowDefault); err != nil {
		return p, err
	}
	if p.dedupGridSize, err = paramInt(params, "dedup_grid_size", 20); err != nil {
		return p, err
	}
	return p, nil
}

func newPipeline(p pipelineParams) (*pipeline, error) {
	dedup, err := NewSpatialDedup(int64(p.dedupWindow), float64(p.dedupGridSize))
	if err != nil {
		return nil, err
	}
	return &pipeline{
		roiMode:       p.roiMode,
		roiMinOverlap: p.roiMinOverlap,
		temporal:      NewTemporalBuffer(int64(p.temporalWindow), p.temporalMin, p.temporalIoU),
		dedup:         dedup,
	}, nil
}

// filterSpatial applies the ROI and minimum-area filters.
func (p *pipeline) filterSpatial(dets []Detection, ctx *Context) []Detection {
	kept := dets[:0]
	for _, d := range dets {
		if len(ctx.ROIPolygons) > 0 &&
			!geometry.BBoxAcceptedByROI(d.BBox, ctx.ROIPolygons, p.roiMode, p.roiMinOverlap) {
			continue
		}
		if ctx.MinBoxArea > 0 && d.BBox.Area() < ctx.MinBoxArea {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

// confirm runs temporal confirmation for one detection at the current frame.
func (p *pipeline) confirm(d Detection) bool {
	return p.temporal.Confirm(d.Label, d.BBox, p.frameCount)
}
