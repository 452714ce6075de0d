package metrics

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promInstruments are shared between a handler and every handler derived from it with
// WithTags. Label names of an instrument are fixed by the first observation.
type promInstruments struct {
	reg prometheus.Registerer

	mtx        sync.Mutex
	counters   map[string]*promVec[*prometheus.CounterVec]
	gauges     map[string]*promVec[*prometheus.GaugeVec]
	histograms map[string]*promVec[*prometheus.HistogramVec]
}

type promHandler struct {
	*promInstruments
	tags map[string]string
}

type promVec[V any] struct {
	once   sync.Once
	vec    V
	labels []string
	err    error
}

// NewPrometheusHandler registers instruments on reg as they are first used. Dots in
// instrument names become underscores.
func NewPrometheusHandler(reg prometheus.Registerer) Handler {
	return &promHandler{
		promInstruments: &promInstruments{
			reg:        reg,
			counters:   make(map[string]*promVec[*prometheus.CounterVec]),
			gauges:     make(map[string]*promVec[*prometheus.GaugeVec]),
			histograms: make(map[string]*promVec[*prometheus.HistogramVec]),
		},
	}
}

func promName(name string, unit Unit) string {
	n := strings.NewReplacer(".", "_", "-", "_").Replace(name)
	switch unit {
	case Milliseconds:
		n += "_ms"
	case Bytes:
		n += "_bytes"
	}
	return n
}

func labelNames(tags map[string]string) []string {
	return slices.Sorted(maps.Keys(tags))
}

func labelValues(names []string, tags map[string]string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = tags[n]
	}
	return values
}

func lookup[V any](mtx *sync.Mutex, m map[string]*promVec[V], name string) *promVec[V] {
	mtx.Lock()
	defer mtx.Unlock()
	v, ok := m[name]
	if !ok {
		v = &promVec[V]{}
		m[name] = v
	}
	return v
}

// register adds c to the registry, reusing an identical collector registered earlier.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

type promCounter struct {
	h    *promHandler
	name string
	help string
	unit Unit
}

func (p *promCounter) Add(_ context.Context, value int64, tags map[string]string) {
	tags = mergeTags(p.h.tags, tags)
	v := lookup(&p.h.mtx, p.h.counters, p.name)
	v.once.Do(func() {
		v.labels = labelNames(tags)
		v.vec, v.err = register(p.h.reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(p.name, p.unit),
			Help: p.help,
		}, v.labels))
	})
	if v.err != nil || value < 0 {
		return
	}
	v.vec.WithLabelValues(labelValues(v.labels, tags)...).Add(float64(value))
}

type promGauge struct {
	h    *promHandler
	name string
	help string
	unit Unit
}

func (p *promGauge) Observe(_ context.Context, value int64, tags map[string]string) {
	tags = mergeTags(p.h.tags, tags)
	v := lookup(&p.h.mtx, p.h.gauges, p.name)
	v.once.Do(func() {
		v.labels = labelNames(tags)
		v.vec, v.err = register(p.h.reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: promName(p.name, p.unit),
			Help: p.help,
		}, v.labels))
	})
	if v.err != nil {
		return
	}
	v.vec.WithLabelValues(labelValues(v.labels, tags)...).Set(float64(value))
}

type promHistogram struct {
	h    *promHandler
	name string
	help string
	unit Unit
}

func (p *promHistogram) Record(_ context.Context, value int64, tags map[string]string) {
	tags = mergeTags(p.h.tags, tags)
	v := lookup(&p.h.mtx, p.h.histograms, p.name)
	v.once.Do(func() {
		v.labels = labelNames(tags)
		v.vec, v.err = register(p.h.reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    promName(p.name, p.unit),
			Help:    p.help,
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}, v.labels))
	})
	if v.err != nil {
		return
	}
	v.vec.WithLabelValues(labelValues(v.labels, tags)...).Observe(float64(value))
}

func (h *promHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	return &promCounter{h: h, name: name, help: description, unit: unit}
}

func (h *promHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	return &promGauge{h: h, name: name, help: description, unit: unit}
}

func (h *promHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	return &promHistogram{h: h, name: name, help: description, unit: unit}
}

func (h *promHandler) WithTags(tags map[string]string) Handler {
	return &promHandler{
		promInstruments: h.promInstruments,
		tags:            mergeTags(h.tags, tags),
	}
}

var _ Handler = (*promHandler)(nil)
