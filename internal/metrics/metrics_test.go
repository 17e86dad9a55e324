package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheusRecorder()
	p.ObserveAttempt("approve", "success")
	p.ObserveAttempt("approve", "success")
	p.ObserveAttempt("reject", "concurrent")
	p.ObservePublish("success", 120*time.Millisecond)
	p.ObserveIngest(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.attemptsTotal.WithLabelValues("approve", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.attemptsTotal.WithLabelValues("reject", "concurrent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.ingestTotal.WithLabelValues("true")))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "specline_publish_duration_seconds_count")
}

func TestRecordersAreIndependent(t *testing.T) {
	a := NewPrometheusRecorder()
	b := NewPrometheusRecorder()
	a.ObserveIngest(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ingestTotal.WithLabelValues("false")))
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.ObserveAttempt("approve", "success")
	r.ObservePublish("error", time.Second)
	r.ObserveIngest(false)
}
