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

// Package export builds the span exporters overseer can ship traces to.
package export

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Kinds of exporter.
const (
	KindConsole  = "console"
	KindOTLP     = "otlp"
	KindOTLPHTTP = "otlp-http"
)

// Options configures a remote exporter.
type Options struct {
	// Endpoint is host:port for gRPC, or host[:port] for HTTP.
	Endpoint string
	// URLPath overrides /v1/traces for HTTP.
	URLPath string
	Headers map[string]string
	// TLS, when nil, means plaintext.
	TLS     *tls.Config
	Timeout time.Duration
}

// Console prints spans to w, or stdout when w is nil.
func Console(w io.Writer, pretty bool) (trace.SpanExporter, error) {
	if w == nil {
		w = os.Stdout
	}
	opts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exp, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create console exporter: %w", err)
	}
	return exp, nil
}

// OTLP creates a gRPC OTLP exporter. The connection is established lazily.
func OTLP(ctx context.Context, o Options, dialOpts ...grpc.DialOption) (trace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}

	if o.TLS == nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		if err := ValidateTLS(o.TLS); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(o.TLS)))
	}
	opts = append(opts, otlptracegrpc.WithDialOption(dialOpts...))

	if len(o.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(o.Headers))
	}
	if o.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(o.Timeout))
	}

	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
	}
	return exp, nil
}

// OTLPHTTP creates an HTTP OTLP exporter.
func OTLPHTTP(ctx context.Context, o Options) (trace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(o.Endpoint)}
	if o.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(o.URLPath))
	}

	if o.TLS == nil {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		if err := ValidateTLS(o.TLS); err != nil {
			return nil, fmt.Errorf("invalid TLS config: %w", err)
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(o.TLS))
	}

	if len(o.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(o.Headers))
	}
	if o.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(o.Timeout))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exp, nil
}
