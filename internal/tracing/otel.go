// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/overseer/internal/tracing/export"
)

// Provider owns the trace and meter providers of the process.
type Provider struct {
	tp       *sdktrace.TracerProvider
	mp       *sdkmetric.MeterProvider
	gatherer promclient.Gatherer
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	registry   *promclient.Registry
	processors []sdktrace.SpanProcessor
	logger     *slog.Logger
}

// WithRegistry registers the OTel metrics in reg instead of the default
// Prometheus registry.
func WithRegistry(reg *promclient.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithSpanProcessor adds a processor in front of the configured exporters.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// WithLogger sets the logger used for exporter warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// NewProvider builds the providers and installs them as the otel globals.
func NewProvider(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	// no schema URL, so merging with the default resource cannot conflict
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(NewSampler(cfg.SampleRate)),
	}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	if cfg.Enabled {
		processors, err := exportProcessors(ctx, cfg, o.logger)
		if err != nil {
			return nil, err
		}
		for _, sp := range processors {
			tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	var promOpts []prometheus.Option
	var gatherer promclient.Gatherer = promclient.DefaultGatherer
	if o.registry != nil {
		promOpts = append(promOpts, prometheus.WithRegisterer(o.registry))
		gatherer = o.registry
	}
	promExporter, err := prometheus.New(promOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(W3CPropagator())

	return &Provider{tp: tp, mp: mp, gatherer: gatherer}, nil
}

func exportProcessors(ctx context.Context, cfg Config, logger *slog.Logger) ([]sdktrace.SpanProcessor, error) {
	var batchOpts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
	}
	if cfg.BatchInterval > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchInterval))
	}

	var processors []sdktrace.SpanProcessor
	for i, ec := range cfg.Exporters {
		exp, err := CreateExporter(ctx, ec)
		if err != nil {
			// a broken collector must not keep the processes down
			logger.Warn("failed to create exporter, skipping",
				slog.Int("index", i),
				slog.String("type", ec.Type),
				slog.String("endpoint", ec.Endpoint),
				slog.Any("error", err))
			continue
		}
		if exp == nil {
			continue
		}
		processors = append(processors, sdktrace.NewBatchSpanProcessor(exp, batchOpts...))
		logger.Info("created exporter", slog.String("type", ec.Type), slog.String("endpoint", ec.Endpoint))
	}
	return processors, nil
}

// CreateExporter creates the span exporter described by cfg. It returns
// nil for type "none".
func CreateExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case export.KindConsole:
		return export.Console(nil, true)
	case export.KindOTLP, export.KindOTLPHTTP, "otlp_http":
		tlsCfg, err := export.BuildTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		o := export.Options{
			Endpoint: cfg.Endpoint,
			Headers:  cfg.Headers,
			TLS:      tlsCfg,
			Timeout:  cfg.Timeout,
		}
		if cfg.Type == export.KindOTLP {
			return export.OTLP(ctx, o)
		}
		return export.OTLPHTTP(ctx, o)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Type)
	}
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// MetricsHandler serves the default Prometheus registry together with the
// OTel metrics.
func (p *Provider) MetricsHandler() http.Handler {
	if p.gatherer == promclient.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(promclient.Gatherers{promclient.DefaultGatherer, p.gatherer}, promhttp.HandlerOpts{})
}

// ForceFlush exports all pending spans and metrics synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return errors.Join(p.tp.ForceFlush(ctx), p.mp.ForceFlush(ctx))
}

// Shutdown flushes and releases both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tp.Shutdown(ctx), p.mp.Shutdown(ctx))
}
