package uotel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/metrics"
)

const defaultExportInterval = time.Minute

// otelConfig contains configuration for OpenTelemetry initialization.
type otelConfig struct {
	serviceName    string
	serviceVersion string

	metricsWriter  io.Writer
	exportInterval time.Duration
	handlers       []metrics.Handler

	mtx      sync.Mutex
	resource *resource.Resource
	shutdown []func(context.Context) error
}

// Option is a function that configures an otelConfig.
type Option func(*otelConfig)

// WithServiceName sets the service name reported with every metric.
func WithServiceName(serviceName string) Option {
	return func(c *otelConfig) {
		c.serviceName = serviceName
	}
}

// WithServiceVersion sets the service version reported with every metric.
func WithServiceVersion(version string) Option {
	return func(c *otelConfig) {
		c.serviceVersion = version
	}
}

// WithMetricsWriter exports metrics as JSON lines to w.
func WithMetricsWriter(w io.Writer) Option {
	return func(c *otelConfig) {
		c.metricsWriter = w
	}
}

// WithExportInterval sets how often metrics are exported.
func WithExportInterval(d time.Duration) Option {
	return func(c *otelConfig) {
		if d > 0 {
			c.exportInterval = d
		}
	}
}

// WithHandler also reports every metric to h, e.g. a Prometheus registry.
func WithHandler(h metrics.Handler) Option {
	return func(c *otelConfig) {
		if h != nil {
			c.handlers = append(c.handlers, h)
		}
	}
}

// newConfig creates a new OpenTelemetry configuration with the given options.
func newConfig(opts ...Option) *otelConfig {
	cfg := &otelConfig{
		serviceName:    "baton-offline",
		exportInterval: defaultExportInterval,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

func (c *otelConfig) init(ctx context.Context) (*metrics.M, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	l := ctxzap.Extract(ctx)

	if c.metricsWriter == nil {
		l.Debug("otel: no metrics output provided, skipping initialization")
		return metrics.New(metrics.Multi(c.handlers...)), nil
	}

	res, err := c.getResource(ctx)
	if err != nil {
		return nil, err
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(c.metricsWriter))
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(c.exportInterval))),
	)
	otel.SetMeterProvider(provider)

	l.Debug("OpenTelemetry metrics enabled", zap.Duration("export_interval", c.exportInterval))

	c.shutdown = append(c.shutdown, provider.Shutdown)
	handlers := append([]metrics.Handler{metrics.NewOtelHandler(ctx, provider, c.serviceName)}, c.handlers...)
	return metrics.New(metrics.Multi(handlers...)), nil
}

func (c *otelConfig) getResource(ctx context.Context) (*resource.Resource, error) {
	if c.resource != nil {
		return c.resource, nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(c.serviceName)}
	if c.serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(c.serviceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("otel: failed to create otel resource: %w", err)
	}
	c.resource = res
	return res, nil
}

// Close flushes pending metrics and shuts the providers down.
func (c *otelConfig) Close(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var errs []error
	for _, shutdown := range c.shutdown {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.shutdown = nil

	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("otel: failed to shut down: %w", err)
	}
	return nil
}
