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

// Package supervisor runs one child process through its lifecycle: launch,
// health and restart polling, and escalating teardown.
//
// Every teardown initiator (Stop, HardStop, the exit watcher) first tries a
// lifecycle transition. The winner runs the phase; a loser waits for the
// process to die instead of running it again. Finalize is guarded the same
// way, so resources are released exactly once.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/overseer/internal/health"
	"github.com/tombee/overseer/internal/lifecycle"
	overseerlog "github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
	"github.com/tombee/overseer/internal/stream"
	"github.com/tombee/overseer/internal/tracing"
)

const (
	// DefaultPollDelay is the pause between event watcher ticks.
	DefaultPollDelay = 500 * time.Millisecond
	// DefaultStopTimeout bounds the graceful stop phase.
	DefaultStopTimeout = time.Minute
	// DefaultHardStopTimeout bounds the hard stop phase.
	DefaultHardStopTimeout = 10 * time.Second
)

// LaunchFunc starts the process and returns it with its strategy.
type LaunchFunc func() (process.Handle, health.Strategy, error)

// Options configures a ManagedProcess.
type Options struct {
	Role            role.ID
	StopTimeout     time.Duration
	HardStopTimeout time.Duration
	PollDelay       time.Duration

	// StreamFormat selects how startup lines are parsed from the output.
	StreamFormat stream.Format
	// Sinks receive the process output. Nil sinks discard it.
	Sinks stream.Sinks

	// EventListeners are called on the event watcher goroutine.
	EventListeners []EventListener
	// LifecycleListeners are called under the lifecycle lock after every
	// transition. They must not call Start, Stop or HardStop synchronously.
	LifecycleListeners []lifecycle.Listener

	Audit  *lifecycle.AuditLog
	Tracer trace.Tracer
	Logger *slog.Logger
}

type watcherKind int

const (
	noWatcher watcherKind = iota
	exitWatcher
	eventWatcher
)

// ManagedProcess supervises one run of one role. It is single use: a
// restart builds a new ManagedProcess.
type ManagedProcess struct {
	id     role.ID
	runID  string
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	machine *lifecycle.Machine

	// mu guards the fields set by Start. Start holds it for the whole launch
	// so a concurrent teardown sees either nothing or a fully started run.
	mu        sync.Mutex
	handle    process.Handle
	strategy  health.Strategy
	mux       *stream.Multiplexer
	cancel    context.CancelFunc
	exitDone  chan struct{}
	eventDone chan struct{}
	startedAt time.Time

	teardownOnce  sync.Once
	teardownStart time.Time

	operational atomic.Bool
	dispatching atomic.Bool
	stopped     chan struct{}
}

// New creates a supervisor in the INIT state.
func New(opts Options) *ManagedProcess {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.HardStopTimeout <= 0 {
		opts.HardStopTimeout = DefaultHardStopTimeout
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = DefaultPollDelay
	}
	if opts.StreamFormat == "" {
		opts.StreamFormat = stream.FormatPlain
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}

	m := &ManagedProcess{
		id:      opts.Role,
		runID:   uuid.NewString(),
		opts:    opts,
		tracer:  opts.Tracer,
		stopped: make(chan struct{}),
	}
	m.logger = overseerlog.WithRun(overseerlog.WithComponent(opts.Logger, "supervisor"), m.id, m.runID)

	listeners := []lifecycle.Listener{m.onTransition}
	if opts.Audit != nil {
		listeners = append(listeners, opts.Audit.Listener(m.id.Key, m.runID))
	}
	listeners = append(listeners, opts.LifecycleListeners...)
	m.machine = lifecycle.NewExtended(m.logger, listeners...)
	return m
}

// Role returns the supervised role.
func (m *ManagedProcess) Role() role.ID {
	return m.id
}

// RunID returns the unique id of this run.
func (m *ManagedProcess) RunID() string {
	return m.runID
}

// State returns the current lifecycle state, for diagnostics.
func (m *ManagedProcess) State() lifecycle.State {
	return m.machine.State()
}

// IsOperational reports whether the process was ever seen operational during
// this run. Once true it stays true.
func (m *ManagedProcess) IsOperational() bool {
	return m.operational.Load()
}

// Stopped is closed when the run reaches STOPPED.
func (m *ManagedProcess) Stopped() <-chan struct{} {
	return m.stopped
}

// AwaitStopped blocks until STOPPED or ctx is done.
func (m *ManagedProcess) AwaitStopped(ctx context.Context) error {
	select {
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ManagedProcess) onTransition(from, to lifecycle.State) {
	recordTransition(m.id.Key, to)
	m.logger.Info("process state changed",
		slog.String("from", from.String()),
		slog.String(overseerlog.StateKey, to.String()))

	switch to {
	case lifecycle.Stopping, lifecycle.HardStopping, lifecycle.FinalizeStopping:
		m.teardownOnce.Do(func() { m.teardownStart = time.Now() })
	case lifecycle.Stopped:
		if !m.teardownStart.IsZero() {
			recordTeardown(m.id.Key, time.Since(m.teardownStart))
		}
		close(m.stopped)
	}
}

// Start launches the process unless this run was already started. It
// returns false without side effects in that case. A launch error drives the
// run to STOPPED and is returned.
func (m *ManagedProcess) Start(launch LaunchFunc) (bool, error) {
	m.mu.Lock()
	if !m.machine.TryTransition(lifecycle.Starting) {
		m.mu.Unlock()
		return false, nil
	}

	_, span := tracing.StartPhase(context.Background(), m.tracer, m.id.Key, m.runID, "launch")
	defer span.End()

	handle, strategy, err := launch()
	if err != nil {
		m.mu.Unlock()
		recordLaunchFailure(m.id.Key)
		span.RecordError(err)
		m.logger.Error("failed to launch process", overseerlog.Error(err))

		if m.machine.TryTransition(lifecycle.Stopping) {
			m.finalize(noWatcher)
		}
		return false, err
	}

	m.handle = handle
	m.strategy = strategy
	m.startedAt = time.Now()
	span.SetPID(handle.Pid())

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mux = stream.New(handle.Output(), m.opts.Sinks, m.opts.StreamFormat, m.logger)
	m.mux.Start()

	m.exitDone = make(chan struct{})
	m.eventDone = make(chan struct{})
	go m.watchExit(ctx, handle, m.exitDone)
	go m.watchEvents(ctx, handle, strategy, m.eventDone)
	m.mu.Unlock()

	m.logger.Info("process launched", slog.Int(overseerlog.PIDKey, handle.Pid()))

	// a concurrent stop may already have moved past STARTING
	m.machine.TryTransition(lifecycle.Started)
	return true, nil
}

// Stop asks the process to stop gracefully and escalates to HardStop when it
// outlives the stop timeout. A caller that loses the race to stop waits until
// the process is dead instead.
func (m *ManagedProcess) Stop() {
	m.stop(noWatcher)
}

func (m *ManagedProcess) stop(self watcherKind) {
	if !m.machine.TryTransition(lifecycle.Stopping) {
		m.waitForDown()
		return
	}

	handle, strategy := m.snapshot()
	ctx, span := tracing.StartPhase(context.Background(), m.tracer, m.id.Key, m.runID, "stop")
	defer span.End()

	if strategy != nil {
		if err := strategy.AskForStop(); err != nil {
			span.RecordError(err)
			m.logger.Warn("failed to ask process to stop", overseerlog.Error(err))
		}
	}

	if handle != nil && !m.waitFor(ctx, handle, m.opts.StopTimeout) {
		recordEscalation(m.id.Key, "graceful")
		span.AddEvent("escalate", attribute.String("to", lifecycle.HardStopping.String()))
		m.logger.Warn("process did not stop in time, hard stopping",
			slog.Duration("timeout", m.opts.StopTimeout))
		m.hardStop(self)
		return
	}
	m.finalize(self)
}

// HardStop asks the process to stop immediately and finalizes once it is dead
// or the hard stop timeout expired, killing it if needed.
func (m *ManagedProcess) HardStop() {
	m.hardStop(noWatcher)
}

func (m *ManagedProcess) hardStop(self watcherKind) {
	if !m.machine.TryTransition(lifecycle.HardStopping) {
		m.waitForDown()
		return
	}

	handle, strategy := m.snapshot()
	ctx, span := tracing.StartPhase(context.Background(), m.tracer, m.id.Key, m.runID, "hard_stop")
	defer span.End()

	if strategy != nil {
		if err := strategy.AskForHardStop(); err != nil {
			span.RecordError(err)
			m.logger.Warn("failed to ask process to hard stop", overseerlog.Error(err))
		}
	}

	if handle != nil && !m.waitFor(ctx, handle, m.opts.HardStopTimeout) {
		recordEscalation(m.id.Key, "hard")
		span.AddEvent("escalate", attribute.String("to", lifecycle.FinalizeStopping.String()))
		m.logger.Warn("process did not hard stop in time, killing",
			slog.Duration("timeout", m.opts.HardStopTimeout))
	}
	m.finalize(self)
}

// finalize releases everything the run holds. self names the watcher running
// it, which must not be waited on.
func (m *ManagedProcess) finalize(self watcherKind) {
	if !m.machine.TryTransition(lifecycle.FinalizeStopping) {
		m.waitForDown()
		return
	}

	m.mu.Lock()
	handle, mux, cancel := m.handle, m.mux, m.cancel
	exitDone, eventDone := m.exitDone, m.eventDone
	startedAt := m.startedAt
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if exitDone != nil && self != exitWatcher {
		<-exitDone
	}

	if handle != nil {
		if handle.IsAlive() {
			m.logger.Warn("killing process", slog.Int(overseerlog.PIDKey, handle.Pid()))
			if err := handle.Kill(); err != nil {
				m.logger.Error("failed to kill process", overseerlog.Error(err))
			}
		}
		if err := handle.WaitFor(context.Background()); err != nil {
			m.logger.Error("failed waiting for process death", overseerlog.Error(err))
		}
		if err := handle.CloseStreams(); err != nil {
			m.logger.Debug("failed to close process streams", overseerlog.Error(err))
		}
	}
	// the event watcher may be stuck in a health check; it is joined only
	// once the process is dead. A listener may be stopping us from it.
	if eventDone != nil && self != eventWatcher && !m.dispatching.Load() {
		<-eventDone
	}
	if mux != nil {
		mux.Wait()
	}
	if !startedAt.IsZero() {
		recordRun(m.id.Key, time.Since(startedAt))
	}

	m.machine.TryTransition(lifecycle.Stopped)
}

func (m *ManagedProcess) snapshot() (process.Handle, health.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle, m.strategy
}

// waitFor waits up to timeout for the process to die. Expiry and
// cancellation both count as failure.
func (m *ManagedProcess) waitFor(ctx context.Context, handle process.Handle, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return handle.WaitFor(ctx) == nil
}

// waitForDown is the fallback for callers that lost a teardown transition.
func (m *ManagedProcess) waitForDown() {
	handle, _ := m.snapshot()
	if handle == nil {
		return
	}
	<-handle.Done()
}

// String implements fmt.Stringer for logs.
func (m *ManagedProcess) String() string {
	return fmt.Sprintf("%s[%s]", m.id.Key, m.State())
}
