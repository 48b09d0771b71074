// Package telemetry provides opt-in operational visibility: an
// OpenTelemetry meter with an in-process reader feeding the health
// snapshot, a redacted event spool, and a canary prober. Everything is
// off unless explicitly enabled, and nothing here ever leaves the host
// on its own.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
	SpoolDir       string // empty disables the spool
}

// DefaultConfig returns the shipped defaults (telemetry off).
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "earcrawler",
		ServiceVersion: "1.0.0",
		Enabled:        false,
	}
}

// Provider owns the meter and its instruments.
type Provider struct {
	config *Config
	logger *slog.Logger
	start  time.Time

	meterProvider *sdkmetric.MeterProvider
	reader        *sdkmetric.ManualReader
	spool         *Spool

	queryCounter   metric.Int64Counter
	refusalCounter metric.Int64Counter
	cacheHits      metric.Int64Counter
	gateFailures   metric.Int64Counter
	queryDuration  metric.Float64Histogram
}

// New builds a provider. A disabled provider is a safe no-op for every
// method.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
		start:  time.Now(),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	p.reader = sdkmetric.NewManualReader()
	p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(p.reader))
	meter := p.meterProvider.Meter(config.ServiceName,
		metric.WithInstrumentationVersion(config.ServiceVersion))

	var err error
	if p.queryCounter, err = meter.Int64Counter("earcrawler.queries.total",
		metric.WithDescription("RAG queries processed"),
		metric.WithUnit("{query}")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if p.refusalCounter, err = meter.Int64Counter("earcrawler.refusals.total",
		metric.WithDescription("Queries refused by the thin-retrieval gate"),
		metric.WithUnit("{query}")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if p.cacheHits, err = meter.Int64Counter("earcrawler.cache.hits",
		metric.WithDescription("Answer cache hits"),
		metric.WithUnit("{hit}")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if p.gateFailures, err = meter.Int64Counter("earcrawler.gates.failures",
		metric.WithDescription("Integrity gate failures"),
		metric.WithUnit("{failure}")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if p.queryDuration, err = meter.Float64Histogram("earcrawler.query.duration",
		metric.WithDescription("Query latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if config.SpoolDir != "" {
		spool, err := OpenSpool(config.SpoolDir)
		if err != nil {
			return nil, err
		}
		p.spool = spool
	}

	p.logger.InfoContext(ctx, "telemetry initialized", "service", config.ServiceName)
	return p, nil
}

// RecordQuery counts one answered query.
func (p *Provider) RecordQuery(ctx context.Context, label string, cached bool, d time.Duration) {
	if p.queryCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("answer_label", label),
		attribute.Bool("cached", cached),
	)
	p.queryCounter.Add(ctx, 1, attrs)
	if cached {
		p.cacheHits.Add(ctx, 1)
	}
	p.queryDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	p.emit("query", map[string]any{"answer_label": label, "cached": cached, "duration_ms": d.Milliseconds()})
}

// RecordRefusal counts one refused query.
func (p *Provider) RecordRefusal(ctx context.Context, reason string) {
	if p.refusalCounter == nil {
		return
	}
	p.refusalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("refusal_reason", reason)))
	p.emit("refusal", map[string]any{"refusal_reason": reason})
}

// RecordGateFailure counts one integrity gate failure.
func (p *Provider) RecordGateFailure(ctx context.Context, gate string) {
	if p.gateFailures == nil {
		return
	}
	p.gateFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
	p.emit("gate_failure", map[string]any{"gate": gate})
}

func (p *Provider) emit(name string, attrs map[string]any) {
	if p.spool != nil {
		_ = p.spool.Append(name, attrs)
	}
}

// Shutdown flushes and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.spool != nil {
		if err := p.spool.Close(); err != nil {
			return err
		}
	}
	if p.meterProvider != nil {
		return p.meterProvider.Shutdown(ctx)
	}
	return nil
}
