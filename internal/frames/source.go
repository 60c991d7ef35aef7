package frames

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/logging"
	"github.com/technosupport/kvs-infer/internal/metrics"
)

// State is the frame source connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrTooManyErrors is returned once the consecutive read-error cap is hit.
// The owning worker treats it as terminal.
var ErrTooManyErrors = errors.New("max consecutive errors reached")

// URLProvider acquires a fresh HLS streaming session URL for a stream.
type URLProvider interface {
	GetHLSURL(ctx context.Context, streamName string, sessionSeconds int) (string, error)
}

// Config holds the frame source parameters for one camera.
type Config struct {
	CameraID             string
	StreamName           string
	SessionSeconds       int
	RefreshMargin        time.Duration
	ReconnectDelayBase   time.Duration
	ReconnectDelayMax    time.Duration
	BackoffMultiplier    float64
	MaxConsecutiveErrors int
	FrameWidth           int
	FrameHeight          int
}

// Validate checks the parameter ranges.
func (c *Config) Validate() error {
	if c.CameraID == "" {
		return errors.New("camera_id cannot be empty")
	}
	if c.StreamName == "" {
		return errors.New("stream_name cannot be empty")
	}
	if c.SessionSeconds < 60 || c.SessionSeconds > 43200 {
		return fmt.Errorf("hls_session_seconds must be between 60 and 43200, got %d", c.SessionSeconds)
	}
	if c.RefreshMargin >= time.Duration(c.SessionSeconds)*time.Second {
		return errors.New("url_refresh_margin must be less than hls_session_seconds")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RefreshMargin == 0 {
		c.RefreshMargin = 30 * time.Second
	}
	if c.ReconnectDelayBase == 0 {
		c.ReconnectDelayBase = 5 * time.Second
	}
	if c.ReconnectDelayMax == 0 {
		c.ReconnectDelayMax = 60 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.FrameWidth == 0 {
		c.FrameWidth = 1280
	}
	if c.FrameHeight == 0 {
		c.FrameHeight = 720
	}
}

// MetricsSnapshot is a point-in-time copy of source counters.
type MetricsSnapshot struct {
	CameraID      string  `json:"camera_id"`
	Reconnects    int64   `json:"reconnects_total"`
	FramesTotal   int64   `json:"frames_total"`
	LastFrameTS   float64 `json:"last_frame_timestamp"`
	URLRefreshes  int64   `json:"url_refreshes_total"`
	ReadErrors    int64   `json:"read_errors_total"`
	State         string  `json:"connection_state"`
	ConsecutiveER int     `json:"consecutive_errors"`
}

// Source reads frames from a KVS HLS session, refreshing the session URL
// before expiry and reconnecting on decoder failure with jittered exponential
// backoff. ReadFrame assumes a single caller.
type Source struct {
	cfg     Config
	control URLProvider
	open    DecoderFactory
	log     *zap.Logger

	// injectable for tests
	now       func() time.Time
	sleep     func(time.Duration)
	randFloat func() float64

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu                sync.Mutex
	state             State
	url               string
	urlAcquired       time.Time
	decoder           Decoder
	consecutiveErrors int
	currentBackoff    time.Duration
	fatal             bool

	reconnects   int64
	framesTotal  int64
	lastFrameTS  float64
	urlRefreshes int64
	readErrors   int64
}

// NewSource builds a frame source. The decoder factory defaults to ffmpeg.
func NewSource(cfg Config, control URLProvider, log *zap.Logger) (*Source, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Source{
		cfg:            cfg,
		control:        control,
		log:            log.Named("frames").With(logging.Camera(cfg.CameraID)),
		now:            time.Now,
		randFloat:      rand.Float64,
		stopCh:         make(chan struct{}),
		state:          StateDisconnected,
		currentBackoff: cfg.ReconnectDelayBase,
	}
	// Backoff sleeps abort promptly when Stop is called.
	s.sleep = func(d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.stopCh:
		}
	}
	s.open = func(url string) (Decoder, error) {
		return NewFFmpegDecoder(url, cfg.FrameWidth, cfg.FrameHeight, s.log)
	}
	return s, nil
}

// SetDecoderFactory replaces the decoder factory. Must be called before Start.
func (s *Source) SetDecoderFactory(f DecoderFactory) {
	s.open = f
}

// Start opens the initial connection.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Info("starting frame source", zap.String("stream_name", s.cfg.StreamName))
	s.running.Store(true)
	return s.openStream()
}

// Stop signals the end of reading. Idempotent and non-blocking; a reader
// parked in a backoff sleep wakes up immediately.
func (s *Source) Stop() {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Release closes the decoder and moves to disconnected. Idempotent.
func (s *Source) Release() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeDecoderLocked()
	s.setStateLocked(StateDisconnected)
	s.log.Info("released frame source",
		zap.Int64("frames_total", s.framesTotal),
		zap.Int64("reconnects_total", s.reconnects),
		zap.Int64("read_errors_total", s.readErrors))
}

// Fatal reports whether the source exhausted its error budget.
func (s *Source) Fatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// State returns the current connection state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether the source is connected and inside its error budget.
func (s *Source) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected && s.consecutiveErrors < s.cfg.MaxConsecutiveErrors
}

// Metrics returns a snapshot of the source counters.
func (s *Source) Metrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MetricsSnapshot{
		CameraID:      s.cfg.CameraID,
		Reconnects:    s.reconnects,
		FramesTotal:   s.framesTotal,
		LastFrameTS:   s.lastFrameTS,
		URLRefreshes:  s.urlRefreshes,
		ReadErrors:    s.readErrors,
		State:         s.state.String(),
		ConsecutiveER: s.consecutiveErrors,
	}
}

// ReadFrame returns the next decoded frame and its wall-clock timestamp in
// milliseconds. ok is false when no frame is available this cycle; the caller
// checks Fatal to distinguish terminal failure from shutdown or a transient
// miss.
func (s *Source) ReadFrame() (frame *Frame, tsMs int64, ok bool) {
	if !s.running.Load() {
		return nil, 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal {
		return nil, 0, false
	}

	// Ensure the stream is open.
	if s.state != StateConnected && s.state != StateReconnecting {
		if err := s.openStream(); err != nil {
			s.handleReconnectLocked()
			return nil, 0, false
		}
	}

	// Refresh the session URL before it goes stale; the decoder is reopened
	// against the new URL inline, before it is touched again.
	if s.shouldRefreshLocked() {
		if err := s.refreshLocked(); err != nil {
			s.log.Error("session URL refresh failed", zap.Error(err))
			s.handleReconnectLocked()
			return nil, 0, false
		}
	}

	if s.decoder == nil {
		s.handleReconnectLocked()
		return nil, 0, false
	}

	f, err := s.decoder.ReadFrame()
	if err != nil {
		s.log.Warn("frame read failed", zap.Error(err))
		s.readErrors++
		metrics.RecordHLSReadError(s.cfg.CameraID)
		s.handleReconnectLocked()
		return nil, 0, false
	}

	now := s.now()
	s.framesTotal++
	s.lastFrameTS = float64(now.UnixNano()) / 1e9
	metrics.RecordHLSFrame(s.cfg.CameraID, s.lastFrameTS)

	s.resetBackoffLocked()
	s.setStateLocked(StateConnected)

	return f, now.UnixMilli(), true
}

// shouldRefreshLocked reports whether the session URL is stale.
func (s *Source) shouldRefreshLocked() bool {
	if s.urlAcquired.IsZero() {
		return true
	}
	threshold := time.Duration(s.cfg.SessionSeconds)*time.Second - s.cfg.RefreshMargin
	return s.now().Sub(s.urlAcquired) >= threshold
}

// refreshLocked acquires a fresh URL and reopens the decoder against it.
func (s *Source) refreshLocked() error {
	s.log.Info("refreshing HLS session URL")
	s.setStateLocked(StateReconnecting)

	url, err := s.acquireURLLocked()
	if err != nil {
		return err
	}
	s.url = url
	s.urlAcquired = s.now()

	s.closeDecoderLocked()
	dec, err := s.open(s.url)
	if err != nil {
		return fmt.Errorf("reopen decoder: %w", err)
	}
	s.decoder = dec
	s.setStateLocked(StateConnected)
	return nil
}

func (s *Source) acquireURLLocked() (string, error) {
	url, err := s.control.GetHLSURL(context.Background(), s.cfg.StreamName, s.cfg.SessionSeconds)
	if err != nil {
		return "", fmt.Errorf("get HLS URL: %w", err)
	}
	s.urlRefreshes++
	metrics.RecordHLSURLRefresh(s.cfg.CameraID)
	return url, nil
}

// openStream acquires a URL if needed and opens the decoder.
func (s *Source) openStream() error {
	s.setStateLocked(StateConnecting)

	if s.url == "" || s.shouldRefreshLocked() {
		url, err := s.acquireURLLocked()
		if err != nil {
			s.setStateLocked(StateError)
			return err
		}
		s.url = url
		s.urlAcquired = s.now()
	}

	s.closeDecoderLocked()

	s.log.Info("opening HLS stream")
	dec, err := s.open(s.url)
	if err != nil {
		s.log.Error("failed to open HLS stream", zap.Error(err))
		s.setStateLocked(StateError)
		return err
	}
	s.decoder = dec

	// The consecutive-error counter resets only on a successful frame read,
	// not on a successful reopen: a URL that opens but never yields frames
	// must still exhaust the error budget.
	s.setStateLocked(StateConnected)
	return nil
}

// handleReconnectLocked counts the failure, sleeps with jittered backoff, and
// tries to reopen. Marks the source fatal at the error cap. The mutex is
// held on entry and exit but released for the duration of the sleep.
func (s *Source) handleReconnectLocked() {
	s.consecutiveErrors++

	if s.consecutiveErrors >= s.cfg.MaxConsecutiveErrors {
		s.fatal = true
		s.setStateLocked(StateError)
		s.log.Error("frame source failed permanently", zap.Error(ErrTooManyErrors),
			zap.Int("max_consecutive_errors", s.cfg.MaxConsecutiveErrors))
		return
	}

	delay := s.backoffDelayLocked()
	s.log.Warn("reconnecting",
		zap.Duration("delay", delay),
		zap.Int("attempt", s.consecutiveErrors),
		zap.Int("max_consecutive_errors", s.cfg.MaxConsecutiveErrors))

	// The mutex is released for the sleep so State, Healthy, and Metrics stay
	// responsive during long backoffs. The single-reader invariant means no
	// other caller can touch the decoder while it is released.
	s.mu.Unlock()
	s.sleep(delay)
	s.mu.Lock()
	if !s.running.Load() {
		return
	}

	s.reconnects++
	metrics.RecordHLSReconnect(s.cfg.CameraID)
	s.setStateLocked(StateReconnecting)

	if err := s.openStream(); err != nil {
		s.log.Error("reconnect failed", zap.Error(err))
	}
}

// backoffDelayLocked returns the current backoff with U(0.8,1.2) jitter and
// advances the exponential schedule.
func (s *Source) backoffDelayLocked() time.Duration {
	delay := s.currentBackoff
	if delay > s.cfg.ReconnectDelayMax {
		delay = s.cfg.ReconnectDelayMax
	}

	jitter := 0.8 + s.randFloat()*0.4
	withJitter := time.Duration(float64(delay) * jitter)

	next := time.Duration(float64(s.currentBackoff) * s.cfg.BackoffMultiplier)
	if next > s.cfg.ReconnectDelayMax {
		next = s.cfg.ReconnectDelayMax
	}
	s.currentBackoff = next

	return withJitter
}

func (s *Source) resetBackoffLocked() {
	s.currentBackoff = s.cfg.ReconnectDelayBase
	s.consecutiveErrors = 0
}

func (s *Source) closeDecoderLocked() {
	if s.decoder != nil {
		if err := s.decoder.Close(); err != nil {
			s.log.Warn("error closing decoder", zap.Error(err))
		}
		s.decoder = nil
	}
}

func (s *Source) setStateLocked(st State) {
	s.state = st
	metrics.SetHLSConnectionState(s.cfg.CameraID, int(st))
}
