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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PhaseSpan wraps an OpenTelemetry span covering one lifecycle phase of a
// supervised process (launch, stop, hard stop, finalize).
type PhaseSpan struct {
	span trace.Span
}

// StartPhase creates a span for one phase of a process run.
func StartPhase(ctx context.Context, tracer trace.Tracer, roleKey, runID, phase string) (context.Context, *PhaseSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("process.%s: %s", phase, roleKey),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("process.role", roleKey),
			attribute.String("process.run_id", runID),
			attribute.String("span.type", "process."+phase),
		),
	)

	return ctx, &PhaseSpan{span: span}
}

// SetPID records the OS process id.
func (p *PhaseSpan) SetPID(pid int) {
	if p == nil || p.span == nil {
		return
	}
	p.span.SetAttributes(attribute.Int("process.pid", pid))
}

// AddEvent records a timestamped event within the span, such as an
// escalation to the next teardown phase.
func (p *PhaseSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	if p == nil || p.span == nil {
		return
	}
	p.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError records an error that occurred during the phase.
func (p *PhaseSpan) RecordError(err error) {
	if p == nil || p.span == nil || err == nil {
		return
	}

	p.span.RecordError(err)
	p.span.SetStatus(codes.Error, err.Error())
}

// End marks the span as complete.
func (p *PhaseSpan) End() {
	if p == nil || p.span == nil {
		return
	}

	p.span.End()
}

// TraceID returns the trace ID as a string.
func (p *PhaseSpan) TraceID() string {
	if p == nil || p.span == nil {
		return ""
	}

	return p.span.SpanContext().TraceID().String()
}
