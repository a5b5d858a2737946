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

package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tombee/overseer/internal/process"
)

// Handle is a fake process.Handle. It dies when Exit or Kill is called, and
// on Terminate unless IgnoreTerminate is set.
type Handle struct {
	// IgnoreTerminate makes the fake survive Terminate, like a process that
	// never honours a graceful stop. Set it before handing the fake out.
	IgnoreTerminate bool

	pid  int
	done chan struct{}
	once sync.Once

	pr *io.PipeReader
	pw *io.PipeWriter

	terminateCalls atomic.Int32
	killCalls      atomic.Int32
	streamsClosed  atomic.Bool
}

var _ process.Handle = (*Handle)(nil)

// NewHandle creates a live fake process.
func NewHandle(pid int) *Handle {
	pr, pw := io.Pipe()
	return &Handle{
		pid:  pid,
		done: make(chan struct{}),
		pr:   pr,
		pw:   pw,
	}
}

// Exit simulates the process dying on its own.
func (h *Handle) Exit() {
	h.once.Do(func() {
		close(h.done)
		h.pw.Close()
	})
}

// WriteLine writes one line of output. It blocks until the line is read.
func (h *Handle) WriteLine(line string) error {
	_, err := io.WriteString(h.pw, line+"\n")
	return err
}

func (h *Handle) Pid() int {
	return h.pid
}

func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) Terminate() error {
	h.terminateCalls.Add(1)
	if !h.IgnoreTerminate {
		h.Exit()
	}
	return nil
}

func (h *Handle) Kill() error {
	h.killCalls.Add(1)
	h.Exit()
	return nil
}

func (h *Handle) WaitFor(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Output() io.Reader {
	return h.pr
}

func (h *Handle) CloseStreams() error {
	h.streamsClosed.Store(true)
	return h.pr.Close()
}

// TerminateCalls returns how many times Terminate was called.
func (h *Handle) TerminateCalls() int {
	return int(h.terminateCalls.Load())
}

// KillCalls returns how many times Kill was called.
func (h *Handle) KillCalls() int {
	return int(h.killCalls.Load())
}

// StreamsClosed reports whether CloseStreams was called.
func (h *Handle) StreamsClosed() bool {
	return h.streamsClosed.Load()
}

// Spawner is a fake process.Spawner recording every spec it is given.
type Spawner struct {
	// Err, when set, is returned by every Spawn.
	Err error

	mu      sync.Mutex
	specs   []process.Spec
	handles []*Handle
	nextPID int
}

var _ process.Spawner = (*Spawner)(nil)

// ErrSpawn is a canned spawn failure.
var ErrSpawn = errors.New("mock spawn failure")

// NewSpawner creates a fake spawner handing out PIDs above 1000.
func NewSpawner() *Spawner {
	return &Spawner{nextPID: 1000}
}

func (s *Spawner) Spawn(spec process.Spec) (process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.specs = append(s.specs, spec)
	if s.Err != nil {
		return nil, s.Err
	}
	s.nextPID++
	h := NewHandle(s.nextPID)
	s.handles = append(s.handles, h)
	return h, nil
}

// Specs returns the specs passed to Spawn so far.
func (s *Spawner) Specs() []process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.Spec(nil), s.specs...)
}

// Handles returns the fakes handed out so far.
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}
