package provider

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/cognitd/internal/provider"

// Metrics holds provider call metrics.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	duration metric.Float64Histogram
	tokens   metric.Int64Counter
	errors   metric.Int64Counter
}

// NewMetrics creates provider metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"cognitd.provider.call_duration_seconds",
		metric.WithDescription("Duration of provider completion calls, labeled by provider and model"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.tokens, err = m.meter.Int64Counter(
		"cognitd.provider.tokens_total",
		metric.WithDescription("Tokens consumed by provider completion calls"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		m.logger.Warn("failed to create tokens counter", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"cognitd.provider.errors_total",
		metric.WithDescription("Provider call errors by provider, model and kind (transient, permanent)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

// RecordCall records one completion call.
func (m *Metrics) RecordCall(ctx context.Context, provider, model string, duration time.Duration, tokens int, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if tokens > 0 && m.tokens != nil {
		m.tokens.Add(ctx, int64(tokens), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		kind := Permanent
		if IsTransient(err) {
			kind = Transient
		}
		m.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("kind", kind.String()))...))
	}
}

type instrumented struct {
	Provider
	metrics *Metrics
}

// Instrument wraps p so every Complete call is recorded in m.
func Instrument(p Provider, m *Metrics) Provider {
	if m == nil {
		return p
	}
	return &instrumented{Provider: p, metrics: m}
}

func (i *instrumented) Complete(ctx context.Context, prompt string, params Params) (*Completion, error) {
	start := time.Now()
	c, err := i.Provider.Complete(ctx, prompt, params)
	tokens := 0
	if c != nil {
		tokens = c.TokensUsed
	}
	i.metrics.RecordCall(ctx, i.Provider.Name(), params.Model, time.Since(start), tokens, err)
	return c, err
}
