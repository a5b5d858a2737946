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

// Package process spawns and controls the OS processes of supervised roles.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrEmptyPath is returned when a Spec names no executable.
var ErrEmptyPath = errors.New("no executable path")

// Handle controls one spawned process. It is owned by a single supervisor.
type Handle interface {
	// Pid returns the OS process id.
	Pid() int
	// IsAlive reports whether the process has not been reaped yet.
	IsAlive() bool
	// Terminate asks the process group to exit (SIGTERM).
	Terminate() error
	// Kill forcibly kills the process group (SIGKILL).
	Kill() error
	// WaitFor blocks until the process exits or ctx is done. It returns nil
	// when the process exited and ctx.Err() otherwise.
	WaitFor(ctx context.Context) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Output returns the merged stdout and stderr of the process.
	Output() io.Reader
	// CloseStreams releases the output pipe, unblocking pending reads.
	CloseStreams() error
}

// Spec describes how to start a process.
type Spec struct {
	Path string
	Args []string
	// Env is the complete environment of the child.
	Env []string
	Dir string
}

// Spawner starts processes. The OS implementation is OSSpawner; tests
// provide fakes.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// OSSpawner starts real OS processes in their own process group so signals
// reach every descendant.
type OSSpawner struct{}

// NewOSSpawner creates a spawner for real processes.
func NewOSSpawner() *OSSpawner {
	return &OSSpawner{}
}

// Spawn starts the process with stdout and stderr merged into one pipe.
func (s *OSSpawner) Spawn(spec Spec) (Handle, error) {
	if spec.Path == "" {
		return nil, ErrEmptyPath
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = nil
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// the child holds its own copy of the write end
	pw.Close()

	h := &osHandle{
		cmd:  cmd,
		out:  pr,
		done: make(chan struct{}),
	}
	go h.waitLoop()
	return h, nil
}

type osHandle struct {
	cmd *exec.Cmd
	out *os.File

	done    chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error
}

func (h *osHandle) waitLoop() {
	h.exitErr = h.cmd.Wait()
	close(h.done)
}

func (h *osHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *osHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *osHandle) Terminate() error {
	return h.signalGroup(unix.SIGTERM)
}

func (h *osHandle) Kill() error {
	return h.signalGroup(unix.SIGKILL)
}

func (h *osHandle) signalGroup(sig unix.Signal) error {
	if !h.IsAlive() {
		return nil
	}
	err := unix.Kill(-h.Pid(), sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("failed to send %v to process group %d: %w", sig, h.Pid(), err)
}

func (h *osHandle) WaitFor(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *osHandle) Done() <-chan struct{} {
	return h.done
}

// ExitError returns the result of waiting on the process once it exited.
func (h *osHandle) ExitError() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

func (h *osHandle) Output() io.Reader {
	return h.out
}

func (h *osHandle) CloseStreams() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.out.Close()
	})
	return h.closeErr
}
