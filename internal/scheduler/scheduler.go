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

// Package scheduler starts the managed roles in dependency order and tears
// them all down together.
//
// Search starts first. Web starts once search is operational, and the task
// engine once web is operational. A process stopping on its own terminates
// every role. A restart request from any role restarts all of them with
// fresh supervisors.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/overseer/internal/health"
	"github.com/tombee/overseer/internal/ipc"
	"github.com/tombee/overseer/internal/launcher"
	"github.com/tombee/overseer/internal/lifecycle"
	overseerlog "github.com/tombee/overseer/internal/log"
	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/role"
	"github.com/tombee/overseer/internal/stream"
	"github.com/tombee/overseer/internal/supervisor"
)

// LaunchFunc launches one command. (*launcher.Launcher).Launch satisfies it.
type LaunchFunc func(cmd launcher.Command) (process.Handle, health.Strategy, error)

// Options configures a Scheduler.
type Options struct {
	// Commands of the enabled roles. Roles without a command are skipped.
	Commands []launcher.Command
	Launch   LaunchFunc

	// Supervisor is the template every supervisor is built from. Role and
	// listeners are filled in per process.
	Supervisor supervisor.Options
	// Sinks builds the output sinks of a role. Nil discards output.
	Sinks func(id role.ID) stream.Sinks

	// Self is the overseer's own slot. It is marked up on Start and
	// operational once every role is.
	Self *ipc.ProcessCommands

	Logger *slog.Logger
}

// Scheduler owns one supervisor per enabled role.
type Scheduler struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	commands    map[string]launcher.Command
	procs       map[string]*supervisor.ManagedProcess
	generation  int
	started     bool
	restarting  bool
	terminating bool

	terminateOnce sync.Once
	terminated    chan struct{}
}

// New creates a scheduler. Nothing runs until Start.
func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		opts:       opts,
		logger:     overseerlog.WithComponent(opts.Logger, "scheduler"),
		procs:      make(map[string]*supervisor.ManagedProcess),
		terminated: make(chan struct{}),
	}
	s.commands = indexCommands(opts.Commands)
	return s
}

func indexCommands(cmds []launcher.Command) map[string]launcher.Command {
	out := make(map[string]launcher.Command, len(cmds))
	for _, cmd := range cmds {
		out[cmd.Role.Key] = cmd
	}
	return out
}

// Start launches the first enabled role. The others follow as their
// predecessors become operational.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	gen := s.generation
	first, ok := s.nextRole(-1)
	s.mu.Unlock()

	if s.opts.Self != nil {
		s.opts.Self.SetUp()
	}
	if !ok {
		s.logger.Warn("no role enabled, terminating")
		go s.Terminate()
		return nil
	}
	s.startRole(gen, first)
	return nil
}

// nextRole returns the first enabled role after position after in the start
// order. Callers hold s.mu.
func (s *Scheduler) nextRole(after int) (role.ID, bool) {
	for i := after + 1; i < len(role.Managed); i++ {
		id := role.Managed[i]
		if _, ok := s.commands[id.Key]; ok {
			return id, true
		}
	}
	return role.ID{}, false
}

func position(id role.ID) int {
	for i, r := range role.Managed {
		if r == id {
			return i
		}
	}
	return len(role.Managed)
}

// startRole builds and starts the supervisor of id. s.mu is held across the
// launch so a concurrent Terminate either sees the started process or
// prevents the start.
func (s *Scheduler) startRole(gen int, id role.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.terminating {
		return
	}
	cmd, ok := s.commands[id.Key]
	if !ok {
		return
	}

	opts := s.opts.Supervisor
	opts.Role = id
	if cmd.GracefulStopTimeout > 0 {
		opts.StopTimeout = cmd.GracefulStopTimeout
	}
	if cmd.HardStopTimeout > 0 {
		opts.HardStopTimeout = cmd.HardStopTimeout
	}
	if s.opts.Sinks != nil {
		opts.Sinks = s.opts.Sinks(id)
	}
	opts.EventListeners = append(append([]supervisor.EventListener(nil), opts.EventListeners...), s.onEvent(gen))
	opts.LifecycleListeners = append(append([]lifecycle.Listener(nil), opts.LifecycleListeners...), s.onTransition(gen, id))

	m := supervisor.New(opts)
	s.procs[id.Key] = m
	s.logger.Info("starting process", slog.String(overseerlog.RoleKey, id.Key))

	if _, err := m.Start(func() (process.Handle, health.Strategy, error) {
		return s.opts.Launch(cmd)
	}); err != nil {
		// the STOPPED transition terminates everything
		s.logger.Error("failed to start process",
			slog.String(overseerlog.RoleKey, id.Key), overseerlog.Error(err))
	}
}

func (s *Scheduler) onEvent(gen int) supervisor.EventListener {
	return func(id role.ID, event supervisor.EventType) {
		switch event {
		case supervisor.Operational:
			s.onOperational(gen, id)
		case supervisor.AskForRestart:
			go s.restart(gen)
		}
	}
}

func (s *Scheduler) onOperational(gen int, id role.ID) {
	s.mu.Lock()
	next, ok := s.nextRole(position(id))
	s.mu.Unlock()

	if ok {
		s.startRole(gen, next)
		return
	}
	s.logger.Info("all processes operational")
	if s.opts.Self != nil {
		s.opts.Self.SetOperational()
	}
}

// onTransition runs under the supervisor's lifecycle lock, so any reaction
// happens on its own goroutine.
func (s *Scheduler) onTransition(gen int, id role.ID) lifecycle.Listener {
	return func(_, to lifecycle.State) {
		if to == lifecycle.Stopped {
			go s.onStopped(gen, id)
		}
	}
}

func (s *Scheduler) onStopped(gen int, id role.ID) {
	s.mu.Lock()
	expected := gen != s.generation || s.restarting || s.terminating
	s.mu.Unlock()
	if expected {
		return
	}
	s.logger.Warn("process stopped unexpectedly, terminating",
		slog.String(overseerlog.RoleKey, id.Key))
	s.Terminate()
}

// Restart stops every role and starts them again in order.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.restart(gen)
}

// Reload replaces the commands and restarts every role with them.
func (s *Scheduler) Reload(cmds []launcher.Command) {
	s.mu.Lock()
	s.commands = indexCommands(cmds)
	gen := s.generation
	s.mu.Unlock()
	s.restart(gen)
}

func (s *Scheduler) restart(gen int) {
	s.mu.Lock()
	if gen != s.generation || s.restarting || s.terminating {
		s.mu.Unlock()
		return
	}
	s.restarting = true
	procs := s.snapshot()
	s.mu.Unlock()

	s.logger.Info("restarting all processes")
	stopAll(procs, (*supervisor.ManagedProcess).Stop)

	s.mu.Lock()
	s.restarting = false
	if s.terminating {
		s.mu.Unlock()
		return
	}
	s.generation++
	gen = s.generation
	s.procs = make(map[string]*supervisor.ManagedProcess)
	first, ok := s.nextRole(-1)
	s.mu.Unlock()

	if ok {
		s.startRole(gen, first)
	}
}

// snapshot returns the processes in stop order. Callers hold s.mu.
func (s *Scheduler) snapshot() []*supervisor.ManagedProcess {
	var out []*supervisor.ManagedProcess
	for i := len(role.Managed) - 1; i >= 0; i-- {
		if m, ok := s.procs[role.Managed[i].Key]; ok {
			out = append(out, m)
		}
	}
	return out
}

func stopAll(procs []*supervisor.ManagedProcess, stop func(*supervisor.ManagedProcess)) {
	for _, m := range procs {
		stop(m)
	}
	for _, m := range procs {
		if m.State() != lifecycle.Init {
			<-m.Stopped()
		}
	}
}

// Terminate stops the task engine, web and search in that order and waits
// for all of them.
func (s *Scheduler) Terminate() {
	s.terminate((*supervisor.ManagedProcess).Stop)
}

// HardTerminate hard stops every role.
func (s *Scheduler) HardTerminate() {
	s.terminate((*supervisor.ManagedProcess).HardStop)
}

func (s *Scheduler) terminate(stop func(*supervisor.ManagedProcess)) {
	s.mu.Lock()
	s.terminating = true
	procs := s.snapshot()
	s.mu.Unlock()

	s.logger.Info("terminating all processes")
	stopAll(procs, stop)

	s.terminateOnce.Do(func() {
		s.logger.Info("all processes stopped")
		close(s.terminated)
	})
}

// Terminated is closed once every role has stopped after a terminate.
func (s *Scheduler) Terminated() <-chan struct{} {
	return s.terminated
}

// AwaitTermination blocks until termination completes or ctx is done.
func (s *Scheduler) AwaitTermination(ctx context.Context) error {
	select {
	case <-s.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process returns the current supervisor of id, if any.
func (s *Scheduler) Process(id role.ID) (*supervisor.ManagedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.procs[id.Key]
	return m, ok
}
