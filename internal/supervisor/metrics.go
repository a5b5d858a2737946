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

package supervisor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/overseer/internal/lifecycle"
)

const instrumentationName = "github.com/tombee/overseer/internal/supervisor"

var (
	// processTransitions tracks lifecycle transitions by role and target state
	processTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_process_transitions_total",
			Help: "Total lifecycle transitions by role and target state",
		},
		[]string{"role", "state"},
	)

	// processEscalations tracks teardown phases that ran out of time
	processEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_process_escalations_total",
			Help: "Total teardown escalations by role and the phase that timed out",
		},
		[]string{"role", "phase"},
	)

	// processEvents tracks events fired to listeners
	processEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_process_events_total",
			Help: "Total process events by role and event type",
		},
		[]string{"role", "event"},
	)

	// processLaunchFailures tracks processes that could not be spawned
	processLaunchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_process_launch_failures_total",
			Help: "Total launch failures by role",
		},
		[]string{"role"},
	)

	// processUp is 1 while a role's process is started and not yet stopped
	processUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overseer_process_up",
			Help: "Whether the role's process is running (1) or not (0)",
		},
		[]string{"role"},
	)

	// processTeardown tracks how long teardown took from the first stop phase
	processTeardown = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_process_teardown_seconds",
			Help:    "Time from the first teardown phase to STOPPED by role",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)
)

// runDuration is recorded through the OpenTelemetry meter so it reaches the
// OTel exporters alongside spans.
var runDuration, _ = otel.Meter(instrumentationName).Float64Histogram(
	"overseer.process.run.duration",
	metric.WithDescription("Lifetime of a supervised process run"),
	metric.WithUnit("s"),
)

// recordTransition updates counters and gauges for a transition
func recordTransition(roleKey string, to lifecycle.State) {
	processTransitions.WithLabelValues(roleKey, to.String()).Inc()
	switch to {
	case lifecycle.Started:
		processUp.WithLabelValues(roleKey).Set(1)
	case lifecycle.Stopped:
		processUp.WithLabelValues(roleKey).Set(0)
	}
}

// recordEscalation increments the escalation counter
func recordEscalation(roleKey, phase string) {
	processEscalations.WithLabelValues(roleKey, phase).Inc()
}

// recordEvent increments the event counter
func recordEvent(roleKey string, event EventType) {
	processEvents.WithLabelValues(roleKey, event.String()).Inc()
}

// recordLaunchFailure increments the launch failure counter
func recordLaunchFailure(roleKey string) {
	processLaunchFailures.WithLabelValues(roleKey).Inc()
}

// recordTeardown observes the teardown duration
func recordTeardown(roleKey string, d time.Duration) {
	processTeardown.WithLabelValues(roleKey).Observe(d.Seconds())
}

// recordRun records the lifetime of one run
func recordRun(roleKey string, d time.Duration) {
	if runDuration == nil {
		return
	}
	runDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("process.role", roleKey)))
}
