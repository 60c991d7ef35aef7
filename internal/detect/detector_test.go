package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/geometry"
)

func TestRegistrySeededTypes(t *testing.T) {
	for _, name := range []string{"weapon", "fire_smoke", "alpr"} {
		assert.True(t, Registered(name), name)
	}
	assert.False(t, Registered("nope"))
	assert.Contains(t, RegisteredTypes(), "weapon")
}

func TestCreateUnknownType(t *testing.T) {
	_, err := Create("nope", nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestCreateConfigureFailureSurfaces(t *testing.T) {
	// Missing model_path with no injected inference func.
	_, err := Create("weapon", map[string]any{"classes": []any{"gun"}}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_path")
}

func TestEventValidate(t *testing.T) {
	valid := Event{
		CameraID: "cam-a",
		Type:     "weapon",
		Label:    "gun",
		Conf:     0.9,
		BBox:     [4]float64{10, 10, 50, 50},
		TSMs:     1000,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing camera", func(e *Event) { e.CameraID = "" }},
		{"missing type", func(e *Event) { e.Type = "" }},
		{"missing label", func(e *Event) { e.Label = "" }},
		{"conf above 1", func(e *Event) { e.Conf = 1.5 }},
		{"conf below 0", func(e *Event) { e.Conf = -0.1 }},
		{"inverted bbox", func(e *Event) { e.BBox = [4]float64{50, 10, 10, 50} }},
		{"zero ts", func(e *Event) { e.TSMs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			assert.Error(t, e.Validate())
		})
	}
}

func TestParamHelpers(t *testing.T) {
	params := map[string]any{
		"name":    "weapon",
		"ratio":   0.25,
		"count":   int64(7),
		"labels":  []any{"gun", "knife"},
		"badlist": []any{1, 2},
	}

	s, err := paramString(params, "name", "x")
	require.NoError(t, err)
	assert.Equal(t, "weapon", s)
	s, err = paramString(params, "absent", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	f, err := paramFloat(params, "ratio", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.25, f)
	f, err = paramFloat(params, "count", 0)
	require.NoError(t, err)
	assert.Equal(t, 7.0, f)

	n, err := paramInt(params, "count", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	list, err := paramStringSlice(params, "labels", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gun", "knife"}, list)

	_, err = paramStringSlice(params, "badlist", nil)
	assert.Error(t, err)
	_, err = paramFloat(params, "name", 0)
	assert.Error(t, err)
}

// scriptedInfer returns the queued detections, one slice per call.
func scriptedInfer(script ...[]Detection) InferFunc {
	i := 0
	return func(*frames.Frame) ([]Detection, error) {
		var out []Detection
		if i < len(script) {
			out = script[i]
		} else if len(script) > 0 {
			out = script[len(script)-1]
		}
		i++
		return out, nil
	}
}

func testContext() *Context {
	return &Context{CameraID: "cam-a", FrameWidth: 640, FrameHeight: 480}
}

func gunAt(conf float64) []Detection {
	return []Detection{{Label: "gun", Conf: conf, BBox: geometry.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200}}}
}

func TestWeaponConfirmThenDedup(t *testing.T) {
	d := &WeaponDetector{log: zap.NewNop(), infer: scriptedInfer(gunAt(0.9))}
	require.NoError(t, d.Configure(map[string]any{
		"classes":           []any{"gun", "knife"},
		"temporal_min_conf": 3,
		"dedup_window":      30,
	}))

	frame := frames.NewFrame(640, 480)
	var total []Event
	for i := 0; i < 5; i++ {
		events, err := d.Process(frame, int64(1000+i*100), testContext())
		require.NoError(t, err)
		total = append(total, events...)
	}

	// Confirmed on the third frame, suppressed as duplicate on the fourth and
	// fifth.
	require.Len(t, total, 1)
	assert.Equal(t, "weapon", total[0].Type)
	assert.Equal(t, "gun", total[0].Label)
	assert.Equal(t, int64(1200), total[0].TSMs)
	assert.Equal(t, int64(3), total[0].Extras["frame_count"])
	assert.NoError(t, total[0].Validate())
}

func TestWeaponFiltersByConfidenceAndWhitelist(t *testing.T) {
	script := []Detection{
		{Label: "gun", Conf: 0.4, BBox: geometry.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200}},
		{Label: "phone", Conf: 0.95, BBox: geometry.BBox{X1: 300, Y1: 100, X2: 400, Y2: 200}},
	}
	d := &WeaponDetector{log: zap.NewNop(), infer: scriptedInfer(script)}
	require.NoError(t, d.Configure(map[string]any{
		"classes":           []any{"gun"},
		"conf_threshold":    0.6,
		"temporal_min_conf": 1,
	}))

	events, err := d.Process(frames.NewFrame(640, 480), 1000, testContext())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWeaponROIAndMinAreaFilters(t *testing.T) {
	d := &WeaponDetector{log: zap.NewNop(), infer: scriptedInfer(gunAt(0.9))}
	require.NoError(t, d.Configure(map[string]any{
		"classes":           []any{"gun"},
		"temporal_min_conf": 1,
	}))

	// ROI polygon far from the detection center (150,150).
	ctx := testContext()
	ctx.ROIPolygons = []geometry.Polygon{{{X: 400, Y: 400}, {X: 600, Y: 400}, {X: 600, Y: 470}, {X: 400, Y: 470}}}
	events, err := d.Process(frames.NewFrame(640, 480), 1000, ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Min area above the 100x100 box.
	ctx = testContext()
	ctx.MinBoxArea = 20000
	events, err = d.Process(frames.NewFrame(640, 480), 1100, ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWeaponInvalidROIMode(t *testing.T) {
	d := &WeaponDetector{log: zap.NewNop(), infer: scriptedInfer()}
	err := d.Configure(map[string]any{"roi_filter_mode": "middle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roi_filter_mode")
}

func TestFireSmokePerLabelThresholds(t *testing.T) {
	script := []Detection{
		{Label: "fire", Conf: 0.58, BBox: geometry.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200}},
		{Label: "smoke", Conf: 0.58, BBox: geometry.BBox{X1: 300, Y1: 100, X2: 400, Y2: 200}},
	}
	d := &FireSmokeDetector{log: zap.NewNop(), infer: scriptedInfer(script)}
	require.NoError(t, d.Configure(map[string]any{
		"fire_conf_threshold":  0.6,
		"smoke_conf_threshold": 0.55,
		"temporal_min_conf":    1,
	}))

	// 0.58 passes the smoke threshold but not the fire one.
	events, err := d.Process(frames.NewFrame(640, 480), 1000, testContext())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "smoke", events[0].Type)
	assert.Equal(t, "smoke", events[0].Label)
	assert.Equal(t, 0.55, events[0].Extras["threshold_used"])
}

func TestFireSmokeEventTypes(t *testing.T) {
	script := []Detection{
		{Label: "flame", Conf: 0.9, BBox: geometry.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200}},
	}
	d := &FireSmokeDetector{log: zap.NewNop(), infer: scriptedInfer(script)}
	require.NoError(t, d.Configure(map[string]any{
		"fire_labels":       []any{"fire", "flame"},
		"temporal_min_conf": 1,
	}))

	events, err := d.Process(frames.NewFrame(640, 480), 1000, testContext())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fire", events[0].Type)
}

func TestFireSmokeRequiresLabels(t *testing.T) {
	d := &FireSmokeDetector{log: zap.NewNop(), infer: scriptedInfer()}
	err := d.Configure(map[string]any{
		"fire_labels":  []any{},
		"smoke_labels": []any{},
	})
	assert.Error(t, err)
}

type fakeOCR struct {
	text string
	conf float64
	err  error
}

func (f *fakeOCR) Name() string { return "fake" }
func (f *fakeOCR) Recognize(*frames.Frame) (string, float64, error) {
	return f.text, f.conf, f.err
}

func plateAt() []Detection {
	return []Detection{{Label: "plate", Conf: 0.8, BBox: geometry.BBox{X1: 100, Y1: 100, X2: 180, Y2: 130}}}
}

func newTestALPR(t *testing.T, ocr OCREngine) *ALPRDetector {
	t.Helper()
	d := &ALPRDetector{log: zap.NewNop(), infer: scriptedInfer(plateAt()), ocr: ocr}
	require.NoError(t, d.Configure(map[string]any{
		"temporal_min_conf": 1,
		"dedup_window":      60,
	}))
	return d
}

func TestALPREmitsTextInExtras(t *testing.T) {
	d := newTestALPR(t, &fakeOCR{text: " ABC123 ", conf: 0.85})

	events, err := d.Process(frames.NewFrame(640, 480), 1000, testContext())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alpr", events[0].Type)
	assert.Equal(t, "ABC123", events[0].Extras["text"])
	assert.Equal(t, 0.85, events[0].Extras["ocr_conf"])
	assert.Equal(t, "fake", events[0].Extras["ocr_engine"])
}

func TestALPRRejectsLowOCRConfidence(t *testing.T) {
	d := newTestALPR(t, &fakeOCR{text: "ABC123", conf: 0.4})

	events, err := d.Process(frames.NewFrame(640, 480), 1000, testContext())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestALPRRejectsEmptyText(t *testing.T) {
	d := newTestALPR(t, &fakeOCR{text: "  ", conf: 0.9})

	events, err := d.Process(frames.NewFrame(640, 480), 1000, testContext())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestALPRPlateDedup(t *testing.T) {
	d := newTestALPR(t, &fakeOCR{text: "ABC123", conf: 0.9})

	var total []Event
	for i := 0; i < 3; i++ {
		events, err := d.Process(frames.NewFrame(640, 480), int64(1000+i*100), testContext())
		require.NoError(t, err)
		total = append(total, events...)
	}
	assert.Len(t, total, 1)
}

func TestParseTesseractTSV(t *testing.T) {
	out := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"5\t1\t1\t1\t1\t1\t10\t5\t40\t20\t91.5\tABC\n" +
		"5\t1\t1\t1\t1\t2\t55\t5\t40\t20\t88.5\t123\n" +
		"5\t1\t1\t1\t1\t3\t99\t5\t2\t20\t-1\t\n"

	text, conf := parseTesseractTSV(out)
	assert.Equal(t, "ABC123", text)
	assert.InDelta(t, 0.9, conf, 1e-9)

	text, conf = parseTesseractTSV("header\n")
	assert.Empty(t, text)
	assert.Zero(t, conf)
}
