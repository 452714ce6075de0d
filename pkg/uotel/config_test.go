package uotel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-offline/pkg/metrics"
)

func TestInitOtel_NoWriterIsNoop(t *testing.T) {
	ctx := context.Background()

	m, shutdown, err := InitOtel(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordEnqueued(ctx, "task")
	require.NoError(t, shutdown(ctx))
}

func TestInitOtel_ExportsOnShutdown(t *testing.T) {
	ctx := context.Background()
	out := new(bytes.Buffer)

	m, shutdown, err := InitOtel(ctx,
		WithServiceName("baton-offline-test"),
		WithServiceVersion("v0.0.1"),
		WithMetricsWriter(out),
		WithExportInterval(time.Hour),
	)
	require.NoError(t, err)

	m.RecordEnqueued(ctx, "task")
	m.RecordExecution(ctx, "task", 15*time.Millisecond, nil)
	require.Empty(t, out.String())

	require.NoError(t, shutdown(ctx))
	require.Contains(t, out.String(), "baton_offline.op_enqueued")
	require.Contains(t, out.String(), "baton-offline-test")

	// Closing twice is harmless.
	require.NoError(t, shutdown(ctx))
}

func TestNewConfig_Defaults(t *testing.T) {
	c := newConfig(WithExportInterval(0))
	require.Equal(t, "baton-offline", c.serviceName)
	require.Equal(t, defaultExportInterval, c.exportInterval)
}

func TestInitOtel_FansOutToHandlers(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	m, shutdown, err := InitOtel(ctx, WithHandler(metrics.NewPrometheusHandler(reg)), WithHandler(nil))
	require.NoError(t, err)

	m.RecordEnqueued(ctx, "task")
	m.RecordEnqueued(ctx, "task")

	n, err := testutil.GatherAndCount(reg, "baton_offline_op_enqueued")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, shutdown(ctx))
}
