package metrics

import (
	"context"
)

type Handler interface {
	Int64Counter(name string, description string, unit Unit) Int64Counter
	Int64Gauge(name string, description string, unit Unit) Int64Gauge
	Int64Histogram(name string, description string, unit Unit) Int64Histogram
	WithTags(tags map[string]string) Handler
}

type Int64Counter interface {
	Add(ctx context.Context, value int64, tags map[string]string)
}

type Int64Histogram interface {
	Record(ctx context.Context, value int64, tags map[string]string)
}

type Int64Gauge interface {
	Observe(ctx context.Context, value int64, tags map[string]string)
}

type Unit string

const (
	Dimensionless Unit = "1"
	Bytes         Unit = "By"
	Milliseconds  Unit = "ms"
)

func mergeTags(base map[string]string, tags map[string]string) map[string]string {
	if len(base) == 0 {
		return tags
	}
	ret := make(map[string]string, len(base)+len(tags))
	for k, v := range base {
		ret[k] = v
	}
	for k, v := range tags {
		ret[k] = v
	}
	return ret
}
