// Package worker runs the per-camera read/detect/publish loop and the
// supervisor that owns all camera workers.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/detect"
	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/logging"
	"github.com/technosupport/kvs-infer/internal/metrics"
	"github.com/technosupport/kvs-infer/internal/publish"
)

// FrameSource is the camera stream a worker reads from.
type FrameSource interface {
	Start() error
	ReadFrame() (*frames.Frame, int64, bool)
	Fatal() bool
	Stop()
	Release()
	Healthy() bool
	Metrics() frames.MetricsSnapshot
}

// EventSink receives confirmed events for the stream pipeline.
type EventSink interface {
	PutEvent(ctx context.Context, event detect.Event, partitionKey string) error
	Flush(ctx context.Context) error
}

// SnapshotSink stores annotated frame snapshots.
type SnapshotSink interface {
	SaveWithBBoxes(ctx context.Context, frame *frames.Frame, cameraID string, tsMs int64, events []detect.Event, drawLabels bool) (string, bool)
}

// MetadataSink persists event metadata records.
type MetadataSink interface {
	PutEvent(ctx context.Context, env publish.Envelope) bool
}

// Publishers groups the output sinks. Nil members are skipped.
type Publishers struct {
	Events    EventSink
	Snapshots SnapshotSink
	Metadata  MetadataSink
}

// ChainEntry is one configured detector in a camera's chain.
type ChainEntry struct {
	Type     string
	Detector detect.Detector
}

// Config holds per-worker settings beyond the frame source.
type Config struct {
	CameraID      string
	FPSTarget     float64
	DrawLabels    bool
	BucketSeconds int
}

// Status is a point-in-time worker summary for the status endpoint.
type Status struct {
	CameraID string                 `json:"camera_id"`
	Healthy  bool                   `json:"healthy"`
	Frames   int64                  `json:"frames_processed"`
	Events   int64                  `json:"events_emitted"`
	Source   frames.MetricsSnapshot `json:"source"`
}

// Worker drives one camera: throttled frame reads, the detector chain, and
// event fan-out to the sinks.
type Worker struct {
	cfg    Config
	source FrameSource
	chain  []ChainEntry
	pubs   Publishers
	detCtx detect.Context
	log    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	framesSeen atomic.Int64
	eventsSeen atomic.Int64
}

// New builds a worker. The detector context carries the camera ROI and
// minimum box area shared by every chain entry.
func New(cfg Config, source FrameSource, chain []ChainEntry, pubs Publishers, detCtx detect.Context, log *zap.Logger) *Worker {
	if cfg.BucketSeconds < 1 {
		cfg.BucketSeconds = 1
	}
	return &Worker{
		cfg:    cfg,
		source: source,
		chain:  chain,
		pubs:   pubs,
		detCtx: detCtx,
		log:    log.Named("worker").With(logging.Camera(cfg.CameraID)),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run reads frames until the context is cancelled or the source fails
// permanently. Blocking; callers run it in its own goroutine.
func (w *Worker) Run(ctx context.Context) error {
	metrics.SetWorkerAlive(w.cfg.CameraID, true)
	defer metrics.SetWorkerAlive(w.cfg.CameraID, false)
	defer w.source.Release()

	if err := w.source.Start(); err != nil {
		// ReadFrame retries with backoff, so a failed initial open is not
		// terminal here.
		w.log.Error("initial stream open failed", zap.Error(err))
	}

	var interval time.Duration
	if w.cfg.FPSTarget > 0 {
		interval = time.Duration(float64(time.Second) / w.cfg.FPSTarget)
	}
	var lastFrame time.Time

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping",
				zap.Int64("frames_processed", w.framesSeen.Load()),
				zap.Int64("events_emitted", w.eventsSeen.Load()))
			return nil
		default:
		}

		if w.source.Fatal() {
			w.log.Error("frame source failed permanently, worker exiting")
			return frames.ErrTooManyErrors
		}

		if interval > 0 && !lastFrame.IsZero() {
			if wait := interval - w.now().Sub(lastFrame); wait > 0 {
				if !w.sleep(ctx, wait) {
					continue
				}
			}
		}

		frame, tsMs, ok := w.source.ReadFrame()
		if !ok {
			continue
		}
		lastFrame = w.now()
		w.processFrame(ctx, frame, tsMs)
	}
}

// processFrame runs the detector chain and publishes confirmed events. A
// detector error drops the whole frame; partial results are not published.
func (w *Worker) processFrame(ctx context.Context, frame *frames.Frame, tsMs int64) {
	w.framesSeen.Add(1)
	metrics.RecordFrame(w.cfg.CameraID)

	start := w.now()
	var confirmed []detect.Event
	for _, entry := range w.chain {
		events, err := entry.Detector.Process(frame, tsMs, &w.detCtx)
		if err != nil {
			w.log.Warn("detector failed, skipping frame",
				zap.String("detector", entry.Type), zap.Error(err))
			return
		}
		confirmed = append(confirmed, events...)
	}
	elapsed := float64(w.now().Sub(start).Microseconds()) / 1000.0
	metrics.RecordInferLatency(w.cfg.CameraID, elapsed)

	if len(confirmed) == 0 {
		return
	}

	for _, ev := range confirmed {
		w.eventsSeen.Add(1)
		metrics.RecordEvent(w.cfg.CameraID, ev.Type)
		w.log.Info("event confirmed",
			logging.EventType(ev.Type),
			zap.String("label", ev.Label),
			zap.Float64("conf", ev.Conf),
			zap.Int64("ts_ms", ev.TSMs))

		if w.pubs.Events != nil {
			if err := w.pubs.Events.PutEvent(ctx, ev, w.cfg.CameraID); err != nil {
				w.log.Error("event publish failed", zap.Error(err))
			}
		}
		if w.pubs.Metadata != nil {
			w.pubs.Metadata.PutEvent(ctx, publish.NewEnvelope(ev, w.cfg.BucketSeconds))
		}
	}

	// Snapshots are taken only for frames that produced events.
	if w.pubs.Snapshots != nil {
		if key, ok := w.pubs.Snapshots.SaveWithBBoxes(ctx, frame, w.cfg.CameraID, tsMs, confirmed, w.cfg.DrawLabels); ok {
			w.log.Info("snapshot saved", zap.String("key", key),
				zap.Int("detections", len(confirmed)))
		}
	}
}

// Status reports the worker counters and source health.
func (w *Worker) Status() Status {
	return Status{
		CameraID: w.cfg.CameraID,
		Healthy:  w.source.Healthy(),
		Frames:   w.framesSeen.Load(),
		Events:   w.eventsSeen.Load(),
		Source:   w.source.Metrics(),
	}
}

// sleepCtx sleeps for d or until the context is done. Reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
