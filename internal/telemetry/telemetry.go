// Package telemetry exports tick metrics over OTLP/HTTP.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/tick"
	"github.com/mtzanidakis/gridflow/internal/validation"
)

const meterName = "github.com/mtzanidakis/gridflow"

type Metrics struct {
	provider *sdkmetric.MeterProvider

	ticks         metric.Int64Counter
	events        metric.Int64Counter
	perturbations metric.Int64Counter
	verdicts      metric.Int64Counter
	tickDuration  metric.Float64Histogram
	efficiency    metric.Float64Gauge
	quiescent     metric.Int64Gauge
}

// New exports to the configured OTLP endpoint every cfg.Interval. A
// disabled config yields metrics that record nothing.
func New(ctx context.Context, cfg config.TelemetryConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return newMetrics(noop.NewMeterProvider().Meter(meterName), nil)
	}

	var opts []otlpmetrichttp.Option
	switch {
	case strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://"):
		opts = append(opts, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
	case cfg.Endpoint != "":
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	m, err := NewWithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...), cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	slog.Info("telemetry initialized", "endpoint", cfg.Endpoint, "interval", cfg.Interval)
	return m, nil
}

// NewWithReader records into the given reader.
func NewWithReader(reader sdkmetric.Reader, serviceName string) (*Metrics, error) {
	if serviceName == "" {
		serviceName = "gridflow"
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	return newMetrics(provider.Meter(meterName), provider)
}

func newMetrics(meter metric.Meter, provider *sdkmetric.MeterProvider) (*Metrics, error) {
	m := &Metrics{provider: provider}
	var err error

	if m.ticks, err = meter.Int64Counter("gridflow.ticks",
		metric.WithDescription("Completed ticks"),
		metric.WithUnit("{tick}")); err != nil {
		return nil, err
	}
	if m.events, err = meter.Int64Counter("gridflow.tick.events",
		metric.WithDescription("Per-tick activity by event"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.perturbations, err = meter.Int64Counter("gridflow.perturbations",
		metric.WithDescription("Cells forced to STALE on quiescence"),
		metric.WithUnit("{cell}")); err != nil {
		return nil, err
	}
	if m.verdicts, err = meter.Int64Counter("gridflow.verdicts",
		metric.WithDescription("Validation verdicts by outcome"),
		metric.WithUnit("{verdict}")); err != nil {
		return nil, err
	}
	if m.tickDuration, err = meter.Float64Histogram("gridflow.tick.duration",
		metric.WithDescription("Wall time of a tick"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		return nil, err
	}
	if m.efficiency, err = meter.Float64Gauge("gridflow.routing.efficiency",
		metric.WithDescription("Share of routed outputs admitted in the last tick")); err != nil {
		return nil, err
	}
	if m.quiescent, err = meter.Int64Gauge("gridflow.quiescent",
		metric.WithDescription("1 when the grid is idle with no outstanding work")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTick records one tick result.
func (m *Metrics) RecordTick(ctx context.Context, r tick.Result) {
	m.ticks.Add(ctx, 1)
	m.tickDuration.Record(ctx, r.Elapsed.Seconds())

	for name, n := range map[string]int{
		"action":    r.Actions,
		"exec_call": r.ExecCalls,
		"emitted":   r.Emitted,
		"delivered": r.Delivered,
		"rejected":  r.Rejected,
		"invalid":   r.Invalid,
		"moved":     r.Moved,
		"stuck":     r.Stuck,
		"failed":    r.Failed,
		"completed": r.Completed,
		"rework":    r.Rework,
	} {
		if n > 0 {
			m.events.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event", name)))
		}
	}
	if r.Perturbed != nil {
		m.perturbations.Add(ctx, 1, metric.WithAttributes(attribute.String("cell", r.Perturbed.String())))
	}
	if r.Delivered+r.Rejected > 0 {
		m.efficiency.Record(ctx, r.RoutingEfficiency())
	}
	var q int64
	if r.Quiescent {
		q = 1
	}
	m.quiescent.Record(ctx, q)
}

func (m *Metrics) RecordVerdict(ctx context.Context, res validation.Result) {
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(res.Verdict)),
		attribute.Bool("incomplete", res.Incomplete),
	))
}

// Shutdown flushes pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}
