package frames

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeControl struct {
	calls int
	err   error
}

func (f *fakeControl) GetHLSURL(_ context.Context, streamName string, sessionSeconds int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://hls.example/" + streamName, nil
}

// fakeDecoder yields frames or errors from a script; an empty script keeps
// succeeding.
type fakeDecoder struct {
	script []error
	reads  int
	closed int
}

func (d *fakeDecoder) ReadFrame() (*Frame, error) {
	var err error
	if d.reads < len(d.script) {
		err = d.script[d.reads]
	}
	d.reads++
	if err != nil {
		return nil, err
	}
	return NewFrame(4, 4), nil
}

func (d *fakeDecoder) Close() error {
	d.closed++
	return nil
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSource(t *testing.T, cfg Config, control URLProvider) (*Source, *testClock, *[]time.Duration) {
	t.Helper()
	src, err := NewSource(cfg, control, zap.NewNop())
	require.NoError(t, err)

	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	src.now = clock.now

	var sleeps []time.Duration
	src.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }
	src.randFloat = func() float64 { return 0.5 } // jitter factor 1.0

	return src, clock, &sleeps
}

func baseConfig() Config {
	return Config{
		CameraID:             "cam-a",
		StreamName:           "stream-a",
		SessionSeconds:       120,
		RefreshMargin:        30 * time.Second,
		ReconnectDelayBase:   time.Second,
		ReconnectDelayMax:    10 * time.Second,
		BackoffMultiplier:    2.0,
		MaxConsecutiveErrors: 3,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty camera id", func(c *Config) { c.CameraID = "" }, "camera_id"},
		{"empty stream", func(c *Config) { c.StreamName = "" }, "stream_name"},
		{"session too short", func(c *Config) { c.SessionSeconds = 30 }, "hls_session_seconds"},
		{"session too long", func(c *Config) { c.SessionSeconds = 50000 }, "hls_session_seconds"},
		{"margin too large", func(c *Config) { c.RefreshMargin = 200 * time.Second }, "url_refresh_margin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestStartAcquiresURLAndConnects(t *testing.T) {
	control := &fakeControl{}
	src, _, _ := newTestSource(t, baseConfig(), control)
	dec := &fakeDecoder{}
	src.SetDecoderFactory(func(url string) (Decoder, error) {
		assert.Equal(t, "https://hls.example/stream-a", url)
		return dec, nil
	})

	require.NoError(t, src.Start())
	assert.Equal(t, StateConnected, src.State())
	assert.Equal(t, 1, control.calls)
	assert.Equal(t, int64(1), src.Metrics().URLRefreshes)
}

func TestNoRefreshBeforeMargin(t *testing.T) {
	control := &fakeControl{}
	src, clock, _ := newTestSource(t, baseConfig(), control)
	src.SetDecoderFactory(func(string) (Decoder, error) { return &fakeDecoder{}, nil })
	require.NoError(t, src.Start())

	// session=120 margin=30: refresh threshold at 90s.
	clock.advance(89 * time.Second)
	_, _, ok := src.ReadFrame()
	require.True(t, ok)
	assert.Equal(t, 1, control.calls)
}

func TestRefreshAfterMarginReopensDecoder(t *testing.T) {
	control := &fakeControl{}
	src, clock, _ := newTestSource(t, baseConfig(), control)

	var decoders []*fakeDecoder
	src.SetDecoderFactory(func(string) (Decoder, error) {
		d := &fakeDecoder{}
		decoders = append(decoders, d)
		return d, nil
	})
	require.NoError(t, src.Start())

	clock.advance(91 * time.Second)
	_, _, ok := src.ReadFrame()
	require.True(t, ok)

	// Exactly one additional URL call and a fresh decoder.
	assert.Equal(t, 2, control.calls)
	require.Len(t, decoders, 2)
	assert.Equal(t, 1, decoders[0].closed)
	assert.Equal(t, 1, decoders[1].reads)
	assert.Equal(t, int64(2), src.Metrics().URLRefreshes)
}

func TestBackoffBoundsAndFatal(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConsecutiveErrors = 4
	control := &fakeControl{}
	src, _, sleeps := newTestSource(t, cfg, control)

	readErr := errors.New("decode failed")
	src.SetDecoderFactory(func(string) (Decoder, error) {
		return &fakeDecoder{script: []error{readErr, readErr, readErr, readErr}}, nil
	})
	require.NoError(t, src.Start())

	// Jitter spans U(0.8,1.2) of min(base*mult^n, max).
	lo := []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond, 3200 * time.Millisecond}
	hi := []time.Duration{1200 * time.Millisecond, 2400 * time.Millisecond, 4800 * time.Millisecond}

	for i := 0; i < 3; i++ {
		jitter := []float64{0.0, 1.0, 0.5}[i] // low edge, high edge, midpoint
		src.randFloat = func() float64 { return jitter }
		_, _, ok := src.ReadFrame()
		assert.False(t, ok)
		require.Len(t, *sleeps, i+1)
		d := (*sleeps)[i]
		assert.GreaterOrEqual(t, d, lo[i])
		assert.LessOrEqual(t, d, hi[i])
	}

	// Fourth failure hits the cap: fatal, no further sleeps.
	_, _, ok := src.ReadFrame()
	assert.False(t, ok)
	assert.True(t, src.Fatal())
	assert.Len(t, *sleeps, 3)
	assert.Equal(t, StateError, src.State())

	// Subsequent reads yield nothing.
	_, _, ok = src.ReadFrame()
	assert.False(t, ok)
}

func TestSuccessResetsConsecutiveErrors(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConsecutiveErrors = 3
	control := &fakeControl{}
	src, _, _ := newTestSource(t, cfg, control)

	readErr := errors.New("decode failed")
	first := true
	src.SetDecoderFactory(func(string) (Decoder, error) {
		if first {
			first = false
			// Fails twice; the reconnect decoder then succeeds.
			return &fakeDecoder{script: []error{readErr, readErr}}, nil
		}
		return &fakeDecoder{}, nil
	})
	require.NoError(t, src.Start())

	_, _, ok := src.ReadFrame() // failure #1, reconnects to good decoder
	assert.False(t, ok)

	_, _, ok = src.ReadFrame() // success resets the counter
	require.True(t, ok)
	assert.Equal(t, 0, src.Metrics().ConsecutiveER)
	assert.True(t, src.Healthy())

	m := src.Metrics()
	assert.Equal(t, int64(1), m.Reconnects)
	assert.Equal(t, int64(1), m.ReadErrors)
	assert.Equal(t, int64(1), m.FramesTotal)
}

func TestControlPlaneFailureFollowsBackoff(t *testing.T) {
	cfg := baseConfig()
	control := &fakeControl{err: errors.New("ResourceNotFoundException: no such stream")}
	src, _, sleeps := newTestSource(t, cfg, control)
	src.SetDecoderFactory(func(string) (Decoder, error) {
		t.Fatal("decoder must not open without a URL")
		return nil, nil
	})

	require.Error(t, src.Start())
	assert.Equal(t, StateError, src.State())

	src.running.Store(true)
	_, _, ok := src.ReadFrame()
	assert.False(t, ok)
	assert.NotEmpty(t, *sleeps)
}

func TestStateAndMetricsRespondDuringBackoffSleep(t *testing.T) {
	control := &fakeControl{}
	src, _, _ := newTestSource(t, baseConfig(), control)
	src.SetDecoderFactory(func(string) (Decoder, error) {
		return &fakeDecoder{script: []error{errors.New("decode failed")}}, nil
	})
	require.NoError(t, src.Start())

	entered := make(chan struct{})
	release := make(chan struct{})
	src.sleep = func(time.Duration) {
		close(entered)
		<-release
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		src.ReadFrame()
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reader never reached the backoff sleep")
	}

	// The accessors must not block while the reader is parked in backoff.
	type snapshot struct {
		state   State
		healthy bool
		m       MetricsSnapshot
	}
	got := make(chan snapshot, 1)
	go func() {
		got <- snapshot{state: src.State(), healthy: src.Healthy(), m: src.Metrics()}
	}()

	select {
	case s := <-got:
		assert.Equal(t, StateConnected, s.state)
		assert.True(t, s.healthy)
		assert.Equal(t, int64(1), s.m.ReadErrors)
		assert.Equal(t, 1, s.m.ConsecutiveER)
	case <-time.After(2 * time.Second):
		t.Fatal("accessors blocked during backoff sleep")
	}

	close(release)
	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish after backoff")
	}
}

func TestStopEndsReading(t *testing.T) {
	control := &fakeControl{}
	src, _, _ := newTestSource(t, baseConfig(), control)
	dec := &fakeDecoder{}
	src.SetDecoderFactory(func(string) (Decoder, error) { return dec, nil })
	require.NoError(t, src.Start())

	src.Stop()
	_, _, ok := src.ReadFrame()
	assert.False(t, ok)
	assert.False(t, src.Fatal())

	src.Release()
	src.Release() // idempotent
	assert.Equal(t, StateDisconnected, src.State())
	assert.Equal(t, 1, dec.closed)
}
