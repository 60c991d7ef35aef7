package detect

import (
	"fmt"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/geometry"
)

var ortInitOnce sync.Once

func initONNXRuntime() error {
	var err error
	ortInitOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		err = ort.InitializeEnvironment()
	})
	return err
}

// YOLOModel wraps an ONNX Runtime session over a YOLOv8-style detection model:
// input [1,3,S,S] normalised RGB, output [1, 4+numClasses, numBoxes] with
// center-format boxes in letterboxed coordinates.
type YOLOModel struct {
	session   *ort.DynamicAdvancedSession
	inputName string
	outName   string
	inputSize int
	labels    []string
	scoreMin  float64
	nmsIoU    float64
}

// YOLOOptions configures model loading.
type YOLOOptions struct {
	InputSize    int      // square input side, default 640
	Labels       []string // class index -> label name
	ScoreMin     float64  // raw score floor before per-detector thresholds, default 0.25
	NMSIoU       float64  // NMS suppression threshold, default 0.45
	IntraThreads int
}

// NewYOLOModel loads the model at path.
func NewYOLOModel(path string, opt YOLOOptions) (*YOLOModel, error) {
	if err := initONNXRuntime(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	if opt.InputSize <= 0 {
		opt.InputSize = 640
	}
	if opt.ScoreMin <= 0 {
		opt.ScoreMin = 0.25
	}
	if opt.NMSIoU <= 0 {
		opt.NMSIoU = 0.45
	}
	if len(opt.Labels) == 0 {
		return nil, fmt.Errorf("model labels required")
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opt.IntraThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opt.IntraThreads); err != nil {
			return nil, fmt.Errorf("set intra_op_threads: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("inspect model %s: %w", path, err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s: expected 1 input, got %d inputs / %d outputs", path, len(inputs), len(outputs))
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}

	return &YOLOModel{
		session:   session,
		inputName: inputs[0].Name,
		outName:   outputs[0].Name,
		inputSize: opt.InputSize,
		labels:    opt.Labels,
		scoreMin:  opt.ScoreMin,
		nmsIoU:    opt.NMSIoU,
	}, nil
}

// Infer runs the model on a BGR frame and returns NMS-filtered detections in
// frame coordinates.
func (m *YOLOModel) Infer(frame *frames.Frame) ([]Detection, error) {
	input, scale, padX, padY := m.letterbox(frame)

	s := int64(m.inputSize)
	inTensor, err := ort.NewTensor(ort.NewShape(1, 3, s, s), input)
	if err != nil {
		return nil, fmt.Errorf("build input tensor: %w", err)
	}
	defer inTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := m.session.Run([]ort.Value{inTensor}, outputs); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer out.Destroy()

	shape := out.GetShape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", shape)
	}
	rows, cols := int(shape[1]), int(shape[2])
	if rows < 5 {
		return nil, fmt.Errorf("output rows %d below minimum", rows)
	}

	raw := m.decode(out.GetData(), rows, cols, scale, padX, padY, frame.Width, frame.Height)
	return nonMaxSuppress(raw, m.nmsIoU), nil
}

// Close releases the session.
func (m *YOLOModel) Close() error {
	if m.session != nil {
		return m.session.Destroy()
	}
	return nil
}

// letterbox scales the frame into the square input preserving aspect ratio,
// pads with 114 grey, and converts BGR bytes to normalised RGB CHW floats.
func (m *YOLOModel) letterbox(frame *frames.Frame) (data []float32, scale float64, padX, padY int) {
	size := m.inputSize
	scale = float64(size) / float64(frame.Width)
	if s := float64(size) / float64(frame.Height); s < scale {
		scale = s
	}
	scaledW := int(float64(frame.Width) * scale)
	scaledH := int(float64(frame.Height) * scale)
	padX = (size - scaledW) / 2
	padY = (size - scaledH) / 2

	plane := size * size
	data = make([]float32, 3*plane)
	const grey = float32(114.0 / 255.0)
	for i := range data {
		data[i] = grey
	}

	for y := 0; y < scaledH; y++ {
		srcY := y * frame.Height / scaledH
		rowOff := srcY * frame.Width * 3
		for x := 0; x < scaledW; x++ {
			srcX := x * frame.Width / scaledW
			off := rowOff + srcX*3
			b := float32(frame.Data[off]) / 255.0
			g := float32(frame.Data[off+1]) / 255.0
			r := float32(frame.Data[off+2]) / 255.0
			idx := (y+padY)*size + (x + padX)
			data[idx] = r
			data[plane+idx] = g
			data[2*plane+idx] = b
		}
	}
	return data, scale, padX, padY
}

// decode converts the [rows x cols] output (4 box rows then per-class scores)
// back to frame coordinates, dropping boxes below the raw score floor.
func (m *YOLOModel) decode(out []float32, rows, cols int, scale float64, padX, padY, frameW, frameH int) []Detection {
	numClasses := rows - 4
	if numClasses > len(m.labels) {
		numClasses = len(m.labels)
	}

	var dets []Detection
	for i := 0; i < cols; i++ {
		best, bestClass := float32(0), -1
		for c := 0; c < numClasses; c++ {
			if s := out[(4+c)*cols+i]; s > best {
				best, bestClass = s, c
			}
		}
		if bestClass < 0 || float64(best) < m.scoreMin {
			continue
		}

		cx := float64(out[0*cols+i])
		cy := float64(out[1*cols+i])
		w := float64(out[2*cols+i])
		h := float64(out[3*cols+i])

		x1 := (cx - w/2 - float64(padX)) / scale
		y1 := (cy - h/2 - float64(padY)) / scale
		x2 := (cx + w/2 - float64(padX)) / scale
		y2 := (cy + h/2 - float64(padY)) / scale

		x1 = clampF(x1, 0, float64(frameW))
		y1 = clampF(y1, 0, float64(frameH))
		x2 = clampF(x2, 0, float64(frameW))
		y2 = clampF(y2, 0, float64(frameH))
		if x2 <= x1 || y2 <= y1 {
			continue
		}

		dets = append(dets, Detection{
			Label: m.labels[bestClass],
			Conf:  float64(best),
			BBox:  geometry.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
		})
	}
	return dets
}

// nonMaxSuppress keeps the highest-confidence box per overlapping cluster,
// applied per label.
func nonMaxSuppress(dets []Detection, iouThreshold float64) []Detection {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Conf > dets[j].Conf })

	kept := dets[:0]
	for _, d := range dets {
		suppressed := false
		for _, k := range kept {
			if k.Label == d.Label && geometry.IoU(k.BBox, d.BBox) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
