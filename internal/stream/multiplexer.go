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

// Package stream drains the merged output of a supervised process and routes
// each line to the general or the startup log sink.
package stream

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Format selects how startup lines are recognized and parsed.
type Format string

const (
	// FormatPlain expects pattern-formatted lines such as
	// "2025.01.02 10:11:12 INFO  es[][startup] message".
	FormatPlain Format = "plain"
	// FormatJSON expects one JSON object per line with "logger" and "message" fields.
	FormatJSON Format = "json"
)

// StartupLogger is the logger name children use for startup messages.
const StartupLogger = "startup"

const plainMarker = "[" + StartupLogger + "]"

// maxLineSize bounds a single output line. Longer lines are truncated.
const maxLineSize = 1024 * 1024

// Sink receives one line of child output.
type Sink interface {
	Emit(line string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line string)

// Emit calls f(line).
func (f SinkFunc) Emit(line string) {
	f(line)
}

// Sinks is the pair of destinations a Multiplexer writes to.
type Sinks struct {
	General Sink
	Startup Sink
}

// Multiplexer reads a process output stream on its own goroutine.
type Multiplexer struct {
	src    io.Reader
	sinks  Sinks
	format Format
	logger *slog.Logger

	startOnce sync.Once
	done      chan struct{}
}

// New creates a multiplexer over src. Nil sinks discard their lines.
func New(src io.Reader, sinks Sinks, format Format, logger *slog.Logger) *Multiplexer {
	if sinks.General == nil {
		sinks.General = SinkFunc(func(string) {})
	}
	if sinks.Startup == nil {
		sinks.Startup = SinkFunc(func(string) {})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		src:    src,
		sinks:  sinks,
		format: format,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the reader loop. Calling it more than once has no effect.
func (m *Multiplexer) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Wait blocks until the reader loop has observed end of stream.
func (m *Multiplexer) Wait() {
	<-m.done
}

// Done is closed when the reader loop exits.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

func (m *Multiplexer) run() {
	defer close(m.done)

	reader := bufio.NewReaderSize(m.src, 64*1024)
	line := make([]byte, 0, 64*1024)
	truncated := false
	for {
		chunk, more, err := reader.ReadLine()
		if err != nil {
			if len(line) > 0 {
				m.route(string(line))
			}
			// a closed pipe is the normal way the loop ends during teardown
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				m.logger.Debug("process output stream ended with error", slog.Any("error", err))
			}
			return
		}

		if room := maxLineSize - len(line); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		line = append(line, chunk...)
		if more {
			continue
		}

		if truncated {
			m.logger.Debug("process output line truncated", slog.Int("limit", maxLineSize))
			truncated = false
		}
		m.route(string(line))
		line = line[:0]
	}
}

func (m *Multiplexer) route(line string) {
	if msg, ok := ExtractStartup(line, m.format); ok {
		m.sinks.Startup.Emit(msg)
		return
	}
	m.sinks.General.Emit(line)
}

// ExtractStartup returns the message of a startup line. ok is false for
// ordinary lines and for startup lines that cannot be parsed.
func ExtractStartup(line string, format Format) (msg string, ok bool) {
	switch format {
	case FormatJSON:
		if !strings.Contains(line, StartupLogger) || !gjson.Valid(line) {
			return "", false
		}
		fields := gjson.GetMany(line, "logger", "message")
		if fields[0].String() != StartupLogger || !fields[1].Exists() {
			return "", false
		}
		return fields[1].String(), true
	default:
		idx := strings.Index(line, plainMarker)
		if idx < 0 {
			return "", false
		}
		return strings.TrimSpace(line[idx+len(plainMarker):]), true
	}
}
