package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/kvs-infer/internal/frames"
	"github.com/technosupport/kvs-infer/internal/metrics"
	"github.com/technosupport/kvs-infer/internal/worker"
)

type fakeStatusSource struct {
	statuses []worker.Status
	pubStats map[string]any
	healthy  bool
}

func (f *fakeStatusSource) Statuses() []worker.Status      { return f.statuses }
func (f *fakeStatusSource) PublisherStats() map[string]any { return f.pubStats }
func (f *fakeStatusSource) Healthy() bool                  { return f.healthy }

func newTestServer(src StatusSource) *httptest.Server {
	s := NewServer(src, "run-123", zap.NewNop())
	return httptest.NewServer(s.Router())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(&fakeStatusSource{healthy: true})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "kvs-infer", body["service"])
}

func TestStatus(t *testing.T) {
	src := &fakeStatusSource{
		healthy:  true,
		pubStats: map[string]any{"kds": map[string]int64{"published": 7}},
		statuses: []worker.Status{{
			CameraID: "cam-a",
			Healthy:  true,
			Frames:   42,
			Events:   3,
			Source:   frames.MetricsSnapshot{CameraID: "cam-a", State: "connected"},
		}},
	}
	ts := newTestServer(src)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "kvs-infer", body.Service)
	assert.Equal(t, "run-123", body.RunID)
	assert.True(t, body.Healthy)
	require.Len(t, body.Cameras, 1)
	assert.Equal(t, "cam-a", body.Cameras[0].CameraID)
	assert.Equal(t, int64(42), body.Cameras[0].Frames)
	assert.Equal(t, "connected", body.Cameras[0].Source.State)
	require.Contains(t, body.Publishers, "kds")
}

func TestStatusUnhealthy(t *testing.T) {
	ts := newTestServer(&fakeStatusSource{healthy: false})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Healthy)
}

func TestMetricsExposition(t *testing.T) {
	metrics.RecordFrame("cam-api-test")

	ts := newTestServer(&fakeStatusSource{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 1<<16)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "infer_frames_total")
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(&fakeStatusSource{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}
