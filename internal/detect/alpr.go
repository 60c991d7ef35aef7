package detect

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/logging"
)

func init() {
	Register("alpr", func(log *zap.Logger) Detector {
		return &ALPRDetector{log: log.Named("alpr")}
	})
}

// ALPRDetector finds license plates, OCRs the cropped region, and emits
// type="alpr" events carrying the recognised text. A second dedup keyed on
// (text, grid cell) prevents re-emitting the same plate from the same spot.
type ALPRDetector struct {
	infer      InferFunc
	closeModel func() error
	ocr        OCREngine

	plateClasses  map[string]bool
	confThreshold float64
	cropExpand    float64
	ocrThreshold  float64

	pipe       *pipeline
	plateDedup *PlateDedup
	log        *zap.Logger
	configured bool
}

func (d *ALPRDetector) Configure(params map[string]any) error {
	classes, err := paramStringSlice(params, "plate_classes", []string{"plate", "license_plate"})
	if err != nil {
		return err
	}
	d.plateClasses = make(map[string]bool, len(classes))
	for _, c := range classes {
		d.plateClasses[c] = true
	}

	if d.confThreshold, err = paramFloat(params, "conf_threshold", 0.6); err != nil {
		return err
	}
	if d.cropExpand, err = paramFloat(params, "crop_expand", 0.1); err != nil {
		return err
	}
	if d.ocrThreshold, err = paramFloat(params, "ocr_conf_threshold", 0.6); err != nil {
		return err
	}

	pp, err := parsePipelineParams(params, 60)
	if err != nil {
		return err
	}
	if d.pipe, err = newPipeline(pp); err != nil {
		return err
	}
	if d.plateDedup, err = NewPlateDedup(int64(pp.dedupWindow), float64(pp.dedupGridSize)); err != nil {
		return err
	}

	ocrEngine, err := paramString(params, "ocr_engine", "tesseract")
	if err != nil {
		return err
	}
	ocrLang, err := paramString(params, "ocr_lang", "eng")
	if err != nil {
		return err
	}
	if d.ocr == nil {
		if d.ocr, err = NewOCREngine(ocrEngine, ocrLang); err != nil {
			return err
		}
	}

	if d.infer == nil {
		modelPath, err := paramString(params, "model_path", "")
		if err != nil {
			return err
		}
		if modelPath == "" {
			return fmt.Errorf("alpr detector requires model_path")
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
	d.log.Info("alpr detector configured",
		zap.Strings("plate_classes", classes),
		zap.Float64("conf_threshold", d.confThreshold),
		zap.String("ocr_engine", d.ocr.Name()),
		zap.String("ocr_lang", ocrLang),
		zap.Float64("ocr_conf_threshold", d.ocrThreshold))
	return nil
}

func (d *ALPRDetector) Process(frame *frames.Frame, tsMs int64, ctx *Context) ([]Event, error) {
	if !d.configured {
		return nil, fmt.Errorf("alpr detector not configured")
	}
	d.pipe.frameCount++

	raw, err := d.infer(frame)
	if err != nil {
		return nil, fmt.Errorf("alpr inference: %w", err)
	}

	dets := raw[:0]
	for _, det := range raw {
		if det.Conf < d.confThreshold {
			continue
		}
		if !d.plateClasses[det.Label] {
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

		crop, err := d.cropPlate(frame, det)
		if err != nil {
			d.log.Error("plate crop failed", logging.Camera(ctx.CameraID), zap.Error(err))
			continue
		}

		text, ocrConf, err := d.ocr.Recognize(crop)
		if err != nil {
			d.log.Error("ocr failed", logging.Camera(ctx.CameraID), zap.Error(err))
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" || ocrConf < d.ocrThreshold {
			d.log.Debug("ocr result rejected",
				logging.Camera(ctx.CameraID),
				zap.String("text", text),
				zap.Float64("ocr_conf", ocrConf))
			continue
		}

		if d.plateDedup.IsDuplicate(text, det.BBox, d.pipe.frameCount) {
			d.log.Debug("duplicate plate filtered",
				logging.Camera(ctx.CameraID), zap.String("text", text))
			continue
		}

		events = append(events, Event{
			CameraID: ctx.CameraID,
			Type:     "alpr",
			Label:    det.Label,
			Conf:     det.Conf,
			BBox:     [4]float64{det.BBox.X1, det.BBox.Y1, det.BBox.X2, det.BBox.Y2},
			TSMs:     tsMs,
			Extras: map[string]any{
				"text":        text,
				"ocr_conf":    ocrConf,
				"ocr_engine":  d.ocr.Name(),
				"frame_count": d.pipe.frameCount,
			},
		})

		d.log.Info("plate detected",
			logging.Camera(ctx.CameraID),
			zap.String("text", text),
			zap.Float64("conf", det.Conf),
			zap.Float64("ocr_conf", ocrConf),
			zap.Int64("frame", d.pipe.frameCount))
	}
	return events, nil
}

// cropPlate cuts the plate region expanded by cropExpand on each side, clamped
// to the frame.
func (d *ALPRDetector) cropPlate(frame *frames.Frame, det Detection) (*frames.Frame, error) {
	expandW := det.BBox.Width() * d.cropExpand
	expandH := det.BBox.Height() * d.cropExpand
	return frame.Crop(
		int(det.BBox.X1-expandW),
		int(det.BBox.Y1-expandH),
		int(det.BBox.X2+expandW),
		int(det.BBox.Y2+expandH),
	)
}

// Close releases the loaded model, if any.
func (d *ALPRDetector) Close() error {
	if d.closeModel != nil {
		return d.closeModel()
	}
	return nil
}
