package metrics

import "context"

// noop satisfies every instrument and handler interface and records nothing.
type noop struct{}

func (noop) Record(_ context.Context, _ int64, _ map[string]string) {}

func (noop) Add(_ context.Context, _ int64, _ map[string]string) {}

func (noop) Observe(_ context.Context, _ int64, _ map[string]string) {}

func (noop) Int64Counter(_ string, _ string, _ Unit) Int64Counter { return noop{} }

func (noop) Int64Gauge(_ string, _ string, _ Unit) Int64Gauge { return noop{} }

func (noop) Int64Histogram(_ string, _ string, _ Unit) Int64Histogram { return noop{} }

func (noop) WithTags(_ map[string]string) Handler { return noop{} }

var _ Int64Counter = noop{}
var _ Int64Histogram = noop{}
var _ Int64Gauge = noop{}
var _ Handler = noop{}

func NewNoOpHandler(_ context.Context) Handler {
	return noop{}
}
