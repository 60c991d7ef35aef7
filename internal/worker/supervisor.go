package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/publish"
)

const (
	defaultJoinTimeout  = 5 * time.Second
	defaultFlushTimeout = 10 * time.Second
)

// Supervisor owns every camera worker and coordinates graceful shutdown:
// cancel the workers, join them with a bound, then flush the sinks exactly
// once.
type Supervisor struct {
	workers []*Worker
	pubs    Publishers
	log     *zap.Logger

	joinTimeout  time.Duration
	flushTimeout time.Duration

	wg sync.WaitGroup
}

// NewSupervisor builds a supervisor over the given workers. The publishers
// are the shared sinks flushed at shutdown.
func NewSupervisor(workers []*Worker, pubs Publishers, log *zap.Logger) *Supervisor {
	return &Supervisor{
		workers:      workers,
		pubs:         pubs,
		log:          log.Named("supervisor"),
		joinTimeout:  defaultJoinTimeout,
		flushTimeout: defaultFlushTimeout,
	}
}

// Run starts all workers and blocks until ctx is cancelled, then performs
// the shutdown sequence. A worker that exits early (fatal source) does not
// stop its siblings.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.Info("starting workers", zap.Int("count", len(s.workers)))
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			if err := w.Run(runCtx); err != nil {
				s.log.Error("worker exited", zap.String("camera_id", w.cfg.CameraID), zap.Error(err))
			}
		}(w)
	}

	<-ctx.Done()
	s.log.Info("shutdown requested")
	s.shutdown(cancel)
	return nil
}

// shutdown cancels the workers, wakes any backoff sleeps, joins with a
// bounded wait, and flushes buffered sinks.
func (s *Supervisor) shutdown(cancel context.CancelFunc) {
	cancel()
	for _, w := range s.workers {
		w.source.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all workers stopped")
	case <-time.After(s.joinTimeout):
		s.log.Warn("workers did not stop in time", zap.Duration("timeout", s.joinTimeout))
	}

	// Only the event sink buffers records; snapshot and metadata sinks write
	// through synchronously, so flushing the event sink drains everything.
	if s.pubs.Events != nil {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), s.flushTimeout)
		defer cancelFlush()
		if err := s.pubs.Events.Flush(flushCtx); err != nil {
			s.log.Error("final event flush failed", zap.Error(err))
		}
	}

	s.logFinalCounters()
}

func (s *Supervisor) logFinalCounters() {
	var frames, events int64
	for _, w := range s.workers {
		st := w.Status()
		frames += st.Frames
		events += st.Events
		s.log.Info("worker final counters",
			zap.String("camera_id", st.CameraID),
			zap.Int64("frames_processed", st.Frames),
			zap.Int64("events_emitted", st.Events),
			zap.Int64("reconnects", st.Source.Reconnects),
			zap.Int64("read_errors", st.Source.ReadErrors))
	}
	s.log.Info("pipeline stopped",
		zap.Int64("frames_total", frames),
		zap.Int64("events_total", events))
}

// Statuses returns a snapshot for every worker, in construction order.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Status())
	}
	return out
}

// PublisherStats collects counter snapshots from sinks that expose them.
func (s *Supervisor) PublisherStats() map[string]any {
	stats := map[string]any{}
	if m, ok := s.pubs.Events.(interface{ Metrics() publish.KDSMetrics }); ok {
		stats["kds"] = m.Metrics()
	}
	if m, ok := s.pubs.Snapshots.(interface{ Metrics() publish.SnapshotMetrics }); ok {
		stats["s3"] = m.Metrics()
	}
	if m, ok := s.pubs.Metadata.(interface{ Metrics() publish.DDBMetrics }); ok {
		stats["ddb"] = m.Metrics()
	}
	return stats
}

// Healthy reports whether no worker has failed permanently.
func (s *Supervisor) Healthy() bool {
	for _, w := range s.workers {
		if w.source.Fatal() {
			return false
		}
	}
	return true
}
