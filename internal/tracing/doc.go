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

/*
Package tracing wires OpenTelemetry into overseer.

NewProvider installs a tracer provider, a meter provider backed by the
Prometheus exporter and the W3C propagator as the otel globals. Spans are
exported only when Config.Enabled is set; metrics are always served by
MetricsHandler.

Each lifecycle phase of a supervised process is one span:

	ctx, span := tracing.StartPhase(ctx, tracer, "web", runID, "stop")
	defer span.End()
	if err := strategy.AskForStop(); err != nil {
	    span.RecordError(err)
	}

Span names follow "process.<phase>: <role>".
*/
package tracing
