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
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/overseer/internal/health"
	overseerlog "github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
)

// EventType is a notification from a running process.
type EventType int

const (
	// Operational fires once, the first time the process reports ready.
	Operational EventType = iota
	// AskForRestart fires for every restart request the process makes.
	AskForRestart
)

func (e EventType) String() string {
	switch e {
	case Operational:
		return "OPERATIONAL"
	case AskForRestart:
		return "ASK_FOR_RESTART"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// EventListener receives process events. It runs on the event watcher
// goroutine; long work should be handed off.
type EventListener func(id role.ID, event EventType)

// watchExit waits for the process to die on its own and drives teardown.
func (m *ManagedProcess) watchExit(ctx context.Context, handle process.Handle, done chan struct{}) {
	defer close(done)

	if err := handle.WaitFor(ctx); err != nil {
		// cancelled by finalize
		return
	}

	m.logger.Info("process exited", slog.Int(overseerlog.PIDKey, handle.Pid()))
	m.hardStop(exitWatcher)
}

// watchEvents polls the strategy while the process is alive.
func (m *ManagedProcess) watchEvents(ctx context.Context, handle process.Handle, strategy health.Strategy, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.PollDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-handle.Done():
			return
		case <-ticker.C:
		}

		// a health check that outlives cancellation must not report into a finalizing run
		if !m.operational.Load() && strategy.IsOperational(ctx) && ctx.Err() == nil {
			if m.operational.CompareAndSwap(false, true) {
				m.logger.Info("process is operational")
				m.dispatch(Operational)
			}
		}

		if ctx.Err() != nil {
			return
		}
		if strategy.AskedForRestart() {
			strategy.AcknowledgeAskForRestart()
			m.logger.Info("process asked for restart")
			m.dispatch(AskForRestart)
		}
	}
}

func (m *ManagedProcess) dispatch(event EventType) {
	recordEvent(m.id.Key, event)

	m.dispatching.Store(true)
	defer m.dispatching.Store(false)

	for _, l := range m.opts.EventListeners {
		l(m.id, event)
	}
}
