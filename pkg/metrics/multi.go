package metrics

import "context"

type multiHandler []Handler

// Multi fans every measurement out to each of handlers.
func Multi(handlers ...Handler) Handler {
	hs := make(multiHandler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	if len(hs) == 0 {
		return noop{}
	}
	if len(hs) == 1 {
		return hs[0]
	}
	return hs
}

type multiCounter []Int64Counter

func (m multiCounter) Add(ctx context.Context, value int64, tags map[string]string) {
	for _, c := range m {
		c.Add(ctx, value, tags)
	}
}

type multiGauge []Int64Gauge

func (m multiGauge) Observe(ctx context.Context, value int64, tags map[string]string) {
	for _, g := range m {
		g.Observe(ctx, value, tags)
	}
}

type multiHistogram []Int64Histogram

func (m multiHistogram) Record(ctx context.Context, value int64, tags map[string]string) {
	for _, h := range m {
		h.Record(ctx, value, tags)
	}
}

func (m multiHandler) Int64Counter(name string, description string, unit Unit) Int64Counter {
	out := make(multiCounter, len(m))
	for i, h := range m {
		out[i] = h.Int64Counter(name, description, unit)
	}
	return out
}

func (m multiHandler) Int64Gauge(name string, description string, unit Unit) Int64Gauge {
	out := make(multiGauge, len(m))
	for i, h := range m {
		out[i] = h.Int64Gauge(name, description, unit)
	}
	return out
}

func (m multiHandler) Int64Histogram(name string, description string, unit Unit) Int64Histogram {
	out := make(multiHistogram, len(m))
	for i, h := range m {
		out[i] = h.Int64Histogram(name, description, unit)
	}
	return out
}

func (m multiHandler) WithTags(tags map[string]string) Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithTags(tags)
	}
	return out
}

var _ Handler = multiHandler(nil)
