package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyTrackerEWMA(t *testing.T) {
	tr := NewLatencyTracker(0.5)

	tr.ObserveOK("http", 100*time.Millisecond)
	tr.ObserveOK("http", 200*time.Millisecond)
	tr.ObserveError("http", 0)

	got, ok := tr.Get("http")
	require.True(t, ok)
	assert.InDelta(t, 75, got.EWMAms, 1e-9)
	assert.Equal(t, uint64(2), got.OK)
	assert.Equal(t, uint64(1), got.Error)

	_, ok = tr.Get("kafka")
	assert.False(t, ok)
	assert.Len(t, tr.Snapshot(), 1)
}

func TestLatencyTrackerDefaultsAlpha(t *testing.T) {
	tr := NewLatencyTracker(3)
	assert.Equal(t, 0.2, tr.alpha)
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors(reg)

	c.ObserveRequest("/predict", "400")
	c.ObserveRequest("/predict", "400")
	c.SetFrame(42, 7)
	c.CountMessage("ok")
	c.CountFlush("error")
	c.AddDropped(128)
	c.ObserveInference("http", "ok", 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Requests.WithLabelValues("/predict", "400")))
	assert.Equal(t, 42.0, testutil.ToFloat64(c.FrameRows))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.FrameGeneration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ConsumerMessages.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ObjectLogFlushes.WithLabelValues("error")))
	assert.Equal(t, 128.0, testutil.ToFloat64(c.ObjectLogDropped))
	assert.Equal(t, 1, testutil.CollectAndCount(c.InferenceDuration))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var c *Collectors
	c.ObserveRequest("/x", "200")
	c.SetFrame(1, 1)
	c.SetModelVersion(1)
	c.SetQueueDepth(1)
	c.CountMessage("ok")
	c.SetLag(1)
	c.CountFlush("ok")
	c.AddDropped(1)
	c.ObserveInference("http", "ok", 1)
}
