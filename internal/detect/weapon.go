package detect

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/logging"
)

func init() {
	Register("weapon", func(log *zap.Logger) Detector {
		return &WeaponDetector{log: log.Named("weapon")}
	})
}

// WeaponDetector emits type="weapon" events for whitelisted classes after
// temporal confirmation and spatial dedup.
type WeaponDetector struct {
	infer         InferFunc
	closeModel    func() error
	classes       map[string]bool
	confThreshold float64
	pipe          *pipeline
	log           *zap.Logger
	configured    bool
}

func (d *WeaponDetector) Configure(params map[string]any) error {
	classes, err := paramStringSlice(params, "classes", nil)
	if err != nil {
		return err
	}
	if len(classes) == 0 {
		d.log.Warn("no weapon classes specified, all labels pass the whitelist")
	}
	d.classes = make(map[string]bool, len(classes))
	for _, c := range classes {
		d.classes[c] = true
	}

	if d.confThreshold, err = paramFloat(params, "conf_threshold", 0.6); err != nil {
		return err
	}

	pp, err := parsePipelineParams(params, 30)
	if err != nil {
		return err
	}
	if d.pipe, err = newPipeline(pp); err != nil {
		return err
	}

	if d.infer == nil {
		modelPath, err := paramString(params, "model_path", "")
		if err != nil {
			return err
		}
		if modelPath == "" {
			return fmt.Errorf("weapon detector requires model_path")
		}
		labels, err := paramStringSlice(params, "model_labels", classes)
		if err != nil {
			return err
		}
		model, err := NewYOLOModel(modelPath, YOLOOptions{Labels: labels})
		if err != nil {
			return err
		}
		d.infer = model.Infer
		d.closeModel = model.Close
	}

	d.configured = true
	d.log.Info("weapon detector configured",
		zap.Strings("classes", classes),
		zap.Float64("conf_threshold", d.confThreshold),
		zap.String("roi_mode", d.pipe.roiMode))
	return nil
}

func (d *WeaponDetector) Process(frame *frames.Frame, tsMs int64, ctx *Context) ([]Event, error) {
	if !d.configured {
		return nil, fmt.Errorf("weapon detector not configured")
	}
	d.pipe.frameCount++

	raw, err := d.infer(frame)
	if err != nil {
		return nil, fmt.Errorf("weapon inference: %w", err)
	}

	dets := raw[:0]
	for _, det := range raw {
		if det.Conf < d.confThreshold {
			continue
		}
		if len(d.classes) > 0 && !d.classes[det.Label] {
			continue
		}
		dets = append(dets, det)
	}
	dets = d.pipe.filterSpatial(dets, ctx)

	var events []Event
	for _, det := range dets {
		if !d.pipe.confirm(det) {
			continue
		}
		if d.pipe.dedup.IsDuplicate(det.Label, det.BBox, d.pipe.frameCount) {
			d.log.Debug("duplicate weapon detection filtered",
				logging.Camera(ctx.CameraID), zap.String("label", det.Label))
			continue
		}

		hash := DetectionHash(det.Label, det.BBox, d.pipe.dedup.gridSize)
		events = append(events, Event{
			CameraID: ctx.CameraID,
			Type:     "weapon",
			Label:    det.Label,
			Conf:     det.Conf,
			BBox:     [4]float64{det.BBox.X1, det.BBox.Y1, det.BBox.X2, det.BBox.Y2},
			TSMs:     tsMs,
			Extras: map[string]any{
				"frame_count": d.pipe.frameCount,
				"det_hash":    hash,
			},
		})

		d.log.Info("weapon detected",
			logging.Camera(ctx.CameraID),
			zap.String("label", det.Label),
			zap.Float64("conf", det.Conf),
			zap.Int64("frame", d.pipe.frameCount))
	}
	return events, nil
}

// Close releases the loaded model, if any.
func (d *WeaponDetector) Close() error {
	if d.closeModel != nil {
		return d.closeModel()
	}
	return nil
}
