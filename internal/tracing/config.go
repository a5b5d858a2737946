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
	"time"

	"github.com/tombee/overseer/internal/tracing/export"
)

// Config holds observability configuration.
type Config struct {
	// Enabled controls whether spans are exported. Metrics are served either way.
	Enabled bool

	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// SampleRate is the fraction of root traces to record (0.0 - 1.0).
	SampleRate float64

	// Exporters configures export destinations.
	Exporters []ExporterConfig

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration
}

// ExporterConfig defines one export destination.
type ExporterConfig struct {
	// Type is "otlp", "otlp-http", "console" or "none".
	Type string

	// Endpoint is the receiver address.
	Endpoint string

	// Headers are additional headers, typically for authentication.
	Headers map[string]string

	TLS export.TLSSettings

	// Timeout is the export timeout.
	Timeout time.Duration
}

// DefaultConfig returns tracing disabled with full sampling.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "overseer",
		ServiceVersion: "unknown",
		SampleRate:     1.0,
		BatchSize:      512,
		BatchInterval:  5 * time.Second,
	}
}
