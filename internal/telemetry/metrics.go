package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MeterName is the instrumentation scope name for engine metrics.
const MeterName = "forge"

// MetricsConfig selects the OTel exporter. Exporter is one of
// "stdout" or "none" (the default); anything else is a startup error.
type MetricsConfig struct {
	Enabled  bool
	Exporter string
}

// MetricsProvider wraps the meter provider lifecycle. When disabled it
// hands out a no-op meter so instrument registration never fails.
type MetricsProvider struct {
	meterProvider metric.MeterProvider
	shutdown      func(context.Context) error
}

// NewMetricsProvider builds a MetricsProvider per cfg. Exporter="none"
// or Enabled=false both yield a no-op provider with zero overhead.
func NewMetricsProvider(ctx context.Context, cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled || cfg.Exporter == "none" || cfg.Exporter == "" {
		return &MetricsProvider{
			meterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("forge"),
		attribute.String("forge.component", "engine"),
	))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return &MetricsProvider{
			meterProvider: mp,
			shutdown: func(ctx context.Context) error {
				tErr := tp.Shutdown(ctx)
				mErr := mp.Shutdown(ctx)
				if tErr != nil {
					return tErr
				}
				return mErr
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown otel exporter %q (supported: stdout, none)", cfg.Exporter)
	}
}

// Meter returns the scoped meter instruments should register against.
func (p *MetricsProvider) Meter() metric.Meter {
	return p.meterProvider.Meter(MeterName)
}

// Shutdown flushes and releases the underlying providers.
func (p *MetricsProvider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// GaugeSources supplies the live readings the async gauges sample on
// each collection pass.
type GaugeSources struct {
	QueueDepth       func(ctx context.Context) (int, error)
	RunningAgents    func(ctx context.Context) (int, error)
	OldestPendingAge func(ctx context.Context) (time.Duration, error)
}

// RegisterGauges wires three observable gauges — queue depth, running
// agent count, and event-spool backlog age — sampled from src on every
// collection, the async-callback shape the teacher uses for
// goclaw.loop.active in internal/otel/metrics.go generalized from an
// up-down counter to a direct gauge since these values are a snapshot
// of store/spool state rather than a running delta.
func RegisterGauges(meter metric.Meter, src GaugeSources) error {
	queueDepth, err := meter.Int64ObservableGauge("forge.queue.depth",
		metric.WithDescription("Number of tasks currently in the processing queue"),
	)
	if err != nil {
		return err
	}
	runningAgents, err := meter.Int64ObservableGauge("forge.agents.running",
		metric.WithDescription("Number of agents currently running"),
	)
	if err != nil {
		return err
	}
	backlogAge, err := meter.Float64ObservableGauge("forge.events.backlog_age",
		metric.WithDescription("Age in seconds of the oldest pending event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if src.QueueDepth != nil {
			if n, err := src.QueueDepth(ctx); err == nil {
				o.ObserveInt64(queueDepth, int64(n))
			}
		}
		if src.RunningAgents != nil {
			if n, err := src.RunningAgents(ctx); err == nil {
				o.ObserveInt64(runningAgents, int64(n))
			}
		}
		if src.OldestPendingAge != nil {
			if age, err := src.OldestPendingAge(ctx); err == nil {
				o.ObserveFloat64(backlogAge, age.Seconds())
			}
		}
		return nil
	}, queueDepth, runningAgents, backlogAge)
	return err
}
