package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type OtelHandlerTestSuite struct {
	suite.Suite
	reader   sdkmetric.Reader
	exporter sdkmetric.Exporter
	handler  Handler
	out      *bytes.Buffer
}

type dataPoint struct {
	Attributes []struct {
		Key   string `json:"Key"`
		Value any    `json:"Value"`
	} `json:"Attributes"`
	Value        float64  `json:"Value,omitempty"`
	BucketCounts []uint64 `json:"BucketCounts,omitempty"`
}

type metricsData struct {
	ScopeMetrics []struct {
		Metrics []struct {
			Name        string `json:"Name"`
			Description string `json:"Description"`
			Unit        string `json:"Unit"`
			Data        struct {
				DataPoints []dataPoint `json:"DataPoints"`
			} `json:"Data"`
		} `json:"Metrics"`
	} `json:"ScopeMetrics"`
}

func (suite *OtelHandlerTestSuite) SetupTest() {
	suite.out = new(bytes.Buffer)
	exp, err := stdoutmetric.New(stdoutmetric.WithEncoder(json.NewEncoder(suite.out)), stdoutmetric.WithoutTimestamps())
	assert.NoError(suite.T(), err)
	suite.exporter = exp
	suite.reader = sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(suite.reader))
	suite.handler = NewOtelHandler(context.TODO(), provider, "test")
}

func (suite *OtelHandlerTestSuite) collect(ctx context.Context) metricsData {
	var rm metricdata.ResourceMetrics
	err := suite.reader.Collect(ctx, &rm)
	assert.NoError(suite.T(), err)
	err = suite.exporter.Export(ctx, &rm)
	assert.NoError(suite.T(), err)
	var data metricsData
	err = json.Unmarshal(suite.out.Bytes(), &data)
	assert.NoError(suite.T(), err)
	return data
}

// points returns the data points of the named metric.
func (suite *OtelHandlerTestSuite) points(data metricsData, name string) []dataPoint {
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m.Data.DataPoints
			}
		}
	}
	suite.T().Fatalf("metric %s not found", name)
	return nil
}

func (suite *OtelHandlerTestSuite) TestInt64Counter() {
	ctx := context.TODO()
	var counter Int64Counter
	assert.NotPanics(suite.T(), func() {
		counter = suite.handler.Int64Counter("test_counter", "A counter for tests", Dimensionless)
	})
	assert.NotPanics(suite.T(), func() {
		counter.Add(ctx, 1, nil)
		counter.Add(ctx, 1, map[string]string{"key": "value"})
	})
	pts := suite.points(suite.collect(ctx), "test_counter")
	assert.Len(suite.T(), pts, 2)
}

func (suite *OtelHandlerTestSuite) TestInt64Gauge() {
	ctx := context.TODO()
	gauge := suite.handler.Int64Gauge("test_gauge", "A gauge for tests", Dimensionless)
	gauge.Observe(ctx, 3, nil)
	gauge.Observe(ctx, 7, map[string]string{"key": "value"})

	pts := suite.points(suite.collect(ctx), "test_gauge")
	assert.Len(suite.T(), pts, 1)
	assert.Equal(suite.T(), float64(7), pts[0].Value)
	assert.Len(suite.T(), pts[0].Attributes, 1)
}

func (suite *OtelHandlerTestSuite) TestSameNameReusesInstrument() {
	assert.NotPanics(suite.T(), func() {
		_ = suite.handler.Int64Gauge("dupe_gauge", "", Dimensionless)
		_ = suite.handler.Int64Gauge("DUPE_GAUGE", "", Dimensionless)
		_ = suite.handler.WithTags(map[string]string{"a": "b"}).Int64Gauge("dupe_gauge", "", Dimensionless)
	})
}

func (suite *OtelHandlerTestSuite) TestWithTags() {
	ctx := context.TODO()
	newHandler := suite.handler.WithTags(map[string]string{"default_key": "default_value"})
	counter := newHandler.Int64Counter("test_counter_with_defaults", "A counter for tests", Dimensionless)
	counter.Add(ctx, 1, map[string]string{"key": "value"})

	pts := suite.points(suite.collect(ctx), "test_counter_with_defaults")
	assert.Len(suite.T(), pts, 1)
	assert.Len(suite.T(), pts[0].Attributes, 2)
}

func (suite *OtelHandlerTestSuite) TestInstrumentor() {
	ctx := context.TODO()
	m := New(suite.handler)
	m.RecordEnqueued(ctx, "activity")
	m.RecordExecution(ctx, "activity", 12*time.Millisecond, nil)
	m.RecordExecution(ctx, "activity", 40*time.Millisecond, errors.New("unavailable"))
	m.RecordDeadLetter(ctx, "activity")
	m.ObserveQueueDepth(ctx, 4)
	m.RecordLockAcquire(ctx, "full-resync", true)

	data := suite.collect(ctx)
	assert.Len(suite.T(), suite.points(data, opLatencyHistoName), 2)
	assert.Len(suite.T(), suite.points(data, opExecutedCounterName), 1)
	assert.Len(suite.T(), suite.points(data, opFailedCounterName), 1)
	depth := suite.points(data, queueDepthGaugeName)
	assert.Equal(suite.T(), float64(4), depth[0].Value)
}

func TestOtelHandler(t *testing.T) {
	suite.Run(t, new(OtelHandlerTestSuite))
}

func TestNoOpHandler(t *testing.T) {
	ctx := context.Background()
	h := NewNoOpHandler(ctx).WithTags(map[string]string{"a": "b"})
	assert.NotPanics(t, func() {
		h.Int64Counter("c", "", Dimensionless).Add(ctx, 1, nil)
		h.Int64Gauge("g", "", Dimensionless).Observe(ctx, 1, nil)
		h.Int64Histogram("h", "", Milliseconds).Record(ctx, 1, nil)
		New(nil).RecordConflict(ctx, "merge", false)
	})
}
