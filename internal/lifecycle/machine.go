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

package lifecycle

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener is notified after every successful transition. Listeners run while
// the machine's lock is held, so they must not call TryTransition on the same
// machine.
type Listener func(from, to State)

// Machine validates transitions against a Table and notifies listeners.
type Machine struct {
	mu        sync.Mutex
	table     *Table
	state     atomic.Uint32
	listeners []Listener
	logger    *slog.Logger
}

// New creates a machine in the Init state governed by table. Listeners are
// called in the order given.
func New(table *Table, logger *slog.Logger, listeners ...Listener) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		table:     table,
		listeners: append([]Listener(nil), listeners...),
		logger:    logger,
	}
}

// NewSimple creates a machine over SimpleTable.
func NewSimple(logger *slog.Logger, listeners ...Listener) *Machine {
	return New(SimpleTable, logger, listeners...)
}

// NewExtended creates a machine over ExtendedTable.
func NewExtended(logger *slog.Logger, listeners ...Listener) *Machine {
	return New(ExtendedTable, logger, listeners...)
}

// TryTransition moves to the given state if the table allows it from the
// current one and reports whether it did. Transition and notification happen
// under one lock, so listeners observe transitions in order.
func (m *Machine) TryTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := State(m.state.Load())
	if !m.table.Allows(from, to) {
		m.logger.Debug("cannot change lifecycle state",
			slog.String("table", m.table.Name()),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return false
	}

	m.state.Store(uint32(to))
	m.logger.Debug("lifecycle state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	for _, l := range m.listeners {
		l(from, to)
	}
	return true
}

// State returns the current state. The value may be stale by the time the
// caller acts on it; use it for logging and diagnostics only.
func (m *Machine) State() State {
	return State(m.state.Load())
}
