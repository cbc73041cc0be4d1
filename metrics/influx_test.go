package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-school/logger"
	"github.com/saiset-co/sai-school/types"
)

type influxRecorder struct {
	mu     sync.Mutex
	writes []string
}

func (r *influxRecorder) lines() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.writes, "\n")
}

func newInfluxServer(t *testing.T) (*httptest.Server, *influxRecorder) {
	t.Helper()

	recorder := &influxRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.URL.Path == "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"influxdb","message":"ready for queries and writes","status":"pass","checks":[]}`))
		case strings.HasSuffix(req.URL.Path, "/write"):
			body, _ := io.ReadAll(req.Body)
			recorder.mu.Lock()
			recorder.writes = append(recorder.writes, string(body))
			recorder.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	return server, recorder
}

func TestNewInfluxBackendRequiresURL(t *testing.T) {
	_, err := NewInfluxBackend(nil, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsConfigInvalid)

	_, err = NewInfluxBackend(&types.InfluxConfig{Org: "school", Bucket: "metrics"}, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsConfigInvalid)
}

func TestInfluxBackendWritesPoints(t *testing.T) {
	server, recorder := newInfluxServer(t)

	backend, err := NewInfluxBackend(&types.InfluxConfig{
		URL:           server.URL,
		Token:         "secret",
		Org:           "school",
		Bucket:        "metrics",
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "sai_school", backend.measurement)

	require.NoError(t, backend.Emit(types.MetricSample{
		Kind:  types.MetricCount,
		Name:  "cache_hit",
		Value: 1,
		Tags:  []string{"key:term:current"},
		Time:  time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, backend.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(recorder.lines(), "cache_hit")
	}, 2*time.Second, 10*time.Millisecond)

	lines := recorder.lines()
	assert.True(t, strings.HasPrefix(lines, "sai_school,"), lines)
	assert.Contains(t, lines, "metric=cache_hit")
	assert.Contains(t, lines, "kind=count")
	assert.Contains(t, lines, "key=term:current")
}
