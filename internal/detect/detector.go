// Package detect implements the detector chain: model inference followed by
// confidence, whitelist, ROI, and area filters, temporal confirmation, and
// spatial deduplication.
package detect

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/geometry"
)

// Event is the externalised detection artifact.
type Event struct {
	CameraID string         `json:"camera_id"`
	Type     string         `json:"type"`
	Label    string         `json:"label"`
	Conf     float64        `json:"conf"`
	BBox     [4]float64     `json:"bbox"`
	TSMs     int64          `json:"ts_ms"`
	Extras   map[string]any `json:"extras,omitempty"`
}

// Validate checks the event invariants.
func (e *Event) Validate() error {
	if e.CameraID == "" || e.Type == "" || e.Label == "" {
		return fmt.Errorf("event missing required fields")
	}
	if e.Conf < 0 || e.Conf > 1 {
		return fmt.Errorf("event conf %f outside [0,1]", e.Conf)
	}
	if e.BBox[2] <= e.BBox[0] || e.BBox[3] <= e.BBox[1] {
		return fmt.Errorf("event bbox malformed: %v", e.BBox)
	}
	if e.TSMs <= 0 {
		return fmt.Errorf("event ts_ms must be positive")
	}
	return nil
}

// Box returns the bbox as a geometry value.
func (e *Event) Box() geometry.BBox {
	return geometry.BBox{X1: e.BBox[0], Y1: e.BBox[1], X2: e.BBox[2], Y2: e.BBox[3]}
}

// Detection is one raw model output, internal to the detector pipeline.
type Detection struct {
	Label string
	Conf  float64
	BBox  geometry.BBox
}

// InferFunc runs a model over a frame and returns raw detections at a low
// threshold.
type InferFunc func(frame *frames.Frame) ([]Detection, error)

// Context carries the per-camera settings a detector needs each frame.
type Context struct {
	CameraID    string
	FrameWidth  int
	FrameHeight int
	ROIPolygons []geometry.Polygon
	MinBoxArea  float64
}

// Detector is the chain element abstraction. Configure must be called once
// before Process; Process is called from a single worker loop and does not
// need to be safe for concurrent callers.
type Detector interface {
	Configure(params map[string]any) error
	Process(frame *frames.Frame, tsMs int64, ctx *Context) ([]Event, error)
}

// Factory builds an unconfigured detector instance.
type Factory func(log *zap.Logger) Detector

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a detector factory under a type tag. Called from init funcs.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Registered reports whether a detector type exists.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// RegisteredTypes lists the known detector type tags.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds and configures a detector from its type tag.
func Create(name string, params map[string]any, log *zap.Logger) (Detector, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("detector %q not registered (available: %v)", name, RegisteredTypes())
	}

	d := f(log)
	if err := d.Configure(params); err != nil {
		return nil, fmt.Errorf("configure %s detector: %w", name, err)
	}
	return d, nil
}
