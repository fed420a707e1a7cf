package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/0xmhha/block-streamer/internal/logger"
	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/producer"
)

type fakeStatus struct {
	status producer.Status
}

func (f *fakeStatus) Status() producer.Status { return f.status }

func newTestServer(t *testing.T, status producer.Status) (*Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("test")
	s, err := NewServer(Config{NodeID: "node-1"}, &fakeStatus{status: status}, m, zap.NewNop())
	require.NoError(t, err)
	return s, m
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(Config{}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 70000}, &fakeStatus{}, nil, nil)
	assert.Error(t, err)

	s, err := NewServer(Config{}, &fakeStatus{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", s.config.Address())
}

// ============================================================================
// Endpoint Tests
// ============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		state    string
		wantCode int
		want     string
	}{
		{producer.StateStreaming, http.StatusOK, "ok"},
		{producer.StateRestarting, http.StatusOK, "ok"},
		{producer.StateFailed, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			s, _ := newTestServer(t, producer.Status{State: tt.state})
			rec := get(t, s, "/health")
			assert.Equal(t, tt.wantCode, rec.Code)

			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Status)
			assert.Equal(t, tt.state, body.State)
		})
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, producer.Status{
		State:          producer.StateStreaming,
		Session:        3,
		LastProduced:   120,
		LastCheckpoint: 118,
		Restarts:       2,
	})

	rec := get(t, s, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "node-1", body["node_id"])
	assert.Equal(t, "streaming", body["state"])
	assert.Equal(t, float64(120), body["last_produced"])
	assert.Equal(t, float64(118), body["last_checkpoint"])
	assert.Equal(t, float64(2), body["restarts"])
	assert.Contains(t, body, "uptime")
}

func TestMetrics(t *testing.T) {
	s, m := newTestServer(t, producer.Status{})
	m.BlockEmitted(42)
	m.ReorgDetected()

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_stream_last_emitted_block 42")
	assert.Contains(t, rec.Body.String(), "test_stream_reorgs_detected_total 1")
}

func TestNotFound(t *testing.T) {
	s, _ := newTestServer(t, producer.Status{})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/blocks").Code)
}

// ============================================================================
// Middleware Tests
// ============================================================================

func TestRecovery(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{MessageKey: "msg"}),
		zapcore.AddSync(&buf),
		zapcore.DebugLevel,
	)

	var fromCtx *zap.Logger
	handler := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = logger.FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	require.NotNil(t, fromCtx)
	assert.Contains(t, buf.String(), `"path":"/status"`)
	assert.Contains(t, buf.String(), `"status":418`)
}

func TestServer_StartStop(t *testing.T) {
	s, err := NewServer(Config{Host: "127.0.0.1", Port: 0}, &fakeStatus{}, nil, nil)
	require.NoError(t, err)
	// an ephemeral port keeps parallel test runs apart
	s.server.Addr = "127.0.0.1:0"

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
