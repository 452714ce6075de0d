package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestPrometheusHandler_Instrumentor(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := New(NewPrometheusHandler(reg))

	m.RecordEnqueued(ctx, "task")
	m.RecordEnqueued(ctx, "task")
	m.RecordEnqueued(ctx, "note")
	m.RecordExecution(ctx, "task", 12*time.Millisecond, nil)
	m.RecordExecution(ctx, "task", 40*time.Millisecond, errors.New("unavailable"))
	m.ObserveQueueDepth(ctx, 4)
	m.ObserveQueueDepth(ctx, 2)

	enq := family(t, reg, "baton_offline_op_enqueued")
	require.Len(t, enq.GetMetric(), 2)
	var total float64
	for _, metric := range enq.GetMetric() {
		require.Equal(t, "resource_type", metric.GetLabel()[0].GetName())
		total += metric.GetCounter().GetValue()
	}
	require.InDelta(t, 3, total, 0)

	latency := family(t, reg, "baton_offline_op_latency_ms")
	require.Len(t, latency.GetMetric(), 2)

	depth := family(t, reg, "baton_offline_queue_depth")
	require.Len(t, depth.GetMetric(), 1)
	require.InDelta(t, 2, depth.GetMetric()[0].GetGauge().GetValue(), 0)
}

func TestPrometheusHandler_WithTagsAndSharedRegistry(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	h := NewPrometheusHandler(reg).WithTags(map[string]string{"holder": "a"})
	h.Int64Counter("test.counter", "a counter", Dimensionless).Add(ctx, 2, map[string]string{"kind": "x"})

	// A second handler on the same registry reuses the registered collector.
	other := NewPrometheusHandler(reg).WithTags(map[string]string{"holder": "b"})
	other.Int64Counter("test.counter", "a counter", Dimensionless).Add(ctx, 5, map[string]string{"kind": "x"})

	f := family(t, reg, "test_counter")
	require.Len(t, f.GetMetric(), 2)
	for _, metric := range f.GetMetric() {
		require.Len(t, metric.GetLabel(), 2)
	}
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	a, b := prometheus.NewRegistry(), prometheus.NewRegistry()

	h := Multi(NewPrometheusHandler(a), nil, NewPrometheusHandler(b))
	New(h).RecordDeadLetter(ctx, "task")

	require.InDelta(t, 1, family(t, a, "baton_offline_op_dead_lettered").GetMetric()[0].GetCounter().GetValue(), 0)
	require.InDelta(t, 1, family(t, b, "baton_offline_op_dead_lettered").GetMetric()[0].GetCounter().GetValue(), 0)

	require.Equal(t, noop{}, Multi())
	single := NewPrometheusHandler(a)
	require.Same(t, single, Multi(single))
}
