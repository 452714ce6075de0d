package uotel

import (
	"context"

	"github.com/conductorone/baton-offline/pkg/metrics"
)

// InitOtel initializes OpenTelemetry metrics with the given configuration.
// It returns the engine's metrics instrumentor and a function that flushes and shuts the
// exporter down. Without a metrics writer the instrumentor is a no-op.
func InitOtel(ctx context.Context, opts ...Option) (*metrics.M, func(context.Context) error, error) {
	config := newConfig(opts...)

	m, err := config.init(ctx)
	if err != nil {
		return nil, nil, err
	}

	return m, config.Close, nil
}
