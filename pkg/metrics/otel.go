package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// instruments are shared between a handler and every handler derived from it with WithTags,
// since otel refuses to register the same instrument name twice.
type instruments struct {
	meter otelmetric.Meter

	int64CountersMtx sync.Mutex
	int64Counters    map[string]otelmetric.Int64Counter
	int64HistosMtx   sync.Mutex
	int64Histos      map[string]otelmetric.Int64Histogram
	int64GaugesMtx   sync.Mutex
	int64Gauges      map[string]*syncInt64Gauge
}

type otelHandler struct {
	*instruments
	tags map[string]string
}

func toAttributes(tags map[string]string) otelmetric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
	return otelmetric.WithAttributes(attrs...)
}

type otelInt64Counter struct {
	c    otelmetric.Int64Counter
	tags map[string]string
}

func (o *otelInt64Counter) Add(ctx context.Context, value int64, tags map[string]string) {
	o.c.Add(ctx, value, toAttributes(mergeTags(o.tags, tags)))
}

var _ Int64Counter = (*otelInt64Counter)(nil)

type otelInt64Histogram struct {
	h    otelmetric.Int64Histogram
	tags map[string]string
}

func (o *otelInt64Histogram) Record(ctx context.Context, value int64, tags map[string]string) {
	o.h.Record(ctx, value, toAttributes(mergeTags(o.tags, tags)))
}

var _ Int64Histogram = (*otelInt64Histogram)(nil)

type syncInt64Gauge struct {
	mu    sync.Mutex
	value int64
	attrs otelmetric.MeasurementOption
	gauge otelmetric.Int64ObservableGauge
}

func (s *syncInt64Gauge) set(value int64, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.attrs = toAttributes(tags)
}

func (s *syncInt64Gauge) observe(observer otelmetric.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		observer.ObserveInt64(s.gauge, s.value)
		return
	}
	observer.ObserveInt64(s.gauge, s.value, s.attrs)
}

type taggedGauge struct {
	g    *syncInt64Gauge
	tags map[string]string
}

func (t *taggedGauge) Observe(_ context.Context, value int64, tags map[string]string) {
	t.g.set(value, mergeTags(t.tags, tags))
}

var _ Int64Gauge = (*taggedGauge)(nil)

func (h *otelHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	h.int64HistosMtx.Lock()
	defer h.int64HistosMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Histos[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Histogram(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Histos[name] = c
	}

	return &otelInt64Histogram{h: c, tags: h.tags}
}

func (h *otelHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	h.int64CountersMtx.Lock()
	defer h.int64CountersMtx.Unlock()

	name = strings.ToLower(name)

	c, ok := h.int64Counters[name]
	var err error
	if !ok {
		c, err = h.meter.Int64Counter(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
		if err != nil {
			panic(err)
		}
		h.int64Counters[name] = c
	}

	return &otelInt64Counter{c: c, tags: h.tags}
}

func (h *otelHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	h.int64GaugesMtx.Lock()
	defer h.int64GaugesMtx.Unlock()

	name = strings.ToLower(name)

	if g, ok := h.int64Gauges[name]; ok {
		return &taggedGauge{g: g, tags: h.tags}
	}

	og, err := h.meter.Int64ObservableGauge(name, otelmetric.WithDescription(description), otelmetric.WithUnit(string(unit)))
	if err != nil {
		panic(err)
	}
	g := &syncInt64Gauge{gauge: og}

	_, err = h.meter.RegisterCallback(func(_ context.Context, observer otelmetric.Observer) error {
		g.observe(observer)
		return nil
	}, og)
	if err != nil {
		panic(err)
	}

	h.int64Gauges[name] = g

	return &taggedGauge{g: g, tags: h.tags}
}

func (h *otelHandler) WithTags(tags map[string]string) Handler {
	return &otelHandler{
		instruments: h.instruments,
		tags:        mergeTags(h.tags, tags),
	}
}

func NewOtelHandler(_ context.Context, provider otelmetric.MeterProvider, name string) Handler {
	return &otelHandler{
		instruments: &instruments{
			meter:         provider.Meter(name),
			int64Counters: make(map[string]otelmetric.Int64Counter),
			int64Histos:   make(map[string]otelmetric.Int64Histogram),
			int64Gauges:   make(map[string]*syncInt64Gauge),
		},
	}
}

var _ Handler = (*otelHandler)(nil)
