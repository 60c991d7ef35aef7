package detect

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/logging"
)

func init() {
	Register("fire_smoke", func(log *zap.Logger) Detector {
		return &FireSmokeDetector{log: log.Named("fire_smoke")}
	})
}

// FireSmokeDetector applies separate confidence thresholds per label group and
// emits type="fire" or type="smoke" accordingly.
type FireSmokeDetector struct {
	infer      InferFunc
	closeModel func() error

	fireLabels     map[string]bool
	smokeLabels    map[string]bool
	fireThreshold  float64
	smokeThreshold float64

	pipe       *pipeline
	log        *zap.Logger
	configured bool
}

func (d *FireSmokeDetector) Configure(params map[string]any) error {
	fireLabels, err := paramStringSlice(params, "fire_labels", []string{"fire"})
	if err != nil {
		return err
	}
	smokeLabels, err := paramStringSlice(params, "smoke_labels", []string{"smoke"})
	if err != nil {
		return err
	}
	if len(fireLabels) == 0 && len(smokeLabels) == 0 {
		return fmt.Errorf("fire_smoke detector requires fire_labels or smoke_labels")
	}
	d.fireLabels = make(map[string]bool, len(fireLabels))
	for _, l := range fireLabels {
		d.fireLabels[l] = true
	}
	d.smokeLabels = make(map[string]bool, len(smokeLabels))
	for _, l := range smokeLabels {
		d.smokeLabels[l] = true
	}

	if d.fireThreshold, err = paramFloat(params, "fire_conf_threshold", 0.6); err != nil {
		return err
	}
	if d.smokeThreshold, err = paramFloat(params, "smoke_conf_threshold", 0.55); err != nil {
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
			return fmt.Errorf("fire_smoke detector requires model_path")
		}
		labels, err := paramStringSlice(params, "model_labels", append(append([]string{}, fireLabels...), smokeLabels...))
		if err != nil {
			return err
		}
		// Inference floor is the lower of the two thresholds; per-label
		// thresholds are applied afterwards.
		model, err := NewYOLOModel(modelPath, YOLOOptions{
			Labels:   labels,
			ScoreMin: math.Min(d.fireThreshold, d.smokeThreshold),
		})
		if err != nil {
			return err
		}
		d.infer = model.Infer
		d.closeModel = model.Close
	}

	d.configured = true
	d.log.Info("fire/smoke detector configured",
		zap.Strings("fire_labels", fireLabels),
		zap.Strings("smoke_labels", smokeLabels),
		zap.Float64("fire_conf_threshold", d.fireThreshold),
		zap.Float64("smoke_conf_threshold", d.smokeThreshold))
	return nil
}

func (d *FireSmokeDetector) thresholdFor(label string) float64 {
	switch {
	case d.fireLabels[label]:
		return d.fireThreshold
	case d.smokeLabels[label]:
		return d.smokeThreshold
	default:
		return math.Max(d.fireThreshold, d.smokeThreshold)
	}
}

func (d *FireSmokeDetector) eventTypeFor(label string) string {
	switch {
	case d.fireLabels[label]:
		return "fire"
	case d.smokeLabels[label]:
		return "smoke"
	default:
		return "fire_smoke"
	}
}

func (d *FireSmokeDetector) Process(frame *frames.Frame, tsMs int64, ctx *Context) ([]Event, error) {
	if !d.configured {
		return nil, fmt.Errorf("fire_smoke detector not configured")
	}
	d.pipe.frameCount++

	raw, err := d.infer(frame)
	if err != nil {
		return nil, fmt.Errorf("fire_smoke inference: %w", err)
	}

	dets := raw[:0]
	for _, det := range raw {
		if !d.fireLabels[det.Label] && !d.smokeLabels[det.Label] {
			continue
		}
		if det.Conf < d.thresholdFor(det.Label) {
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
			d.log.Debug("duplicate fire/smoke detection filtered",
				logging.Camera(ctx.CameraID), zap.String("label", det.Label))
			continue
		}

		eventType := d.eventTypeFor(det.Label)
		hash := DetectionHash(det.Label, det.BBox, d.pipe.dedup.gridSize)
		events = append(events, Event{
			CameraID: ctx.CameraID,
			Type:     eventType,
			Label:    det.Label,
			Conf:     det.Conf,
			BBox:     [4]float64{det.BBox.X1, det.BBox.Y1, det.BBox.X2, det.BBox.Y2},
			TSMs:     tsMs,
			Extras: map[string]any{
				"frame_count":    d.pipe.frameCount,
				"det_hash":       hash,
				"threshold_used": d.thresholdFor(det.Label),
			},
		})

		d.log.Warn("fire/smoke detected",
			logging.Camera(ctx.CameraID),
			logging.EventType(eventType),
			zap.String("label", det.Label),
			zap.Float64("conf", det.Conf),
			zap.Int64("frame", d.pipe.frameCount))
	}
	return events, nil
}

// Close releases the loaded model, if any.
func (d *FireSmokeDetector) Close() error {
	if d.closeModel != nil {
		return d.closeModel()
	}
	return nil
}
